package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/marketchat/internal/client"
	"github.com/inercia/marketchat/internal/inbox"
)

var (
	sendFiles         []string
	sendVoiceDuration float64
	sendReplyTo       string
)

var sendCmd = &cobra.Command{
	Use:   "send <thread> [text...]",
	Short: "Send a message",
	Long: `Send a message to a conversation.

Attach files with --file (repeatable). With --voice-duration the files
are sent as a voice recording of that many seconds.

Examples:
  marketchat send t1 "Is it still available?"
  marketchat send t1 --file photo.jpg "Here is the scratch"
  marketchat send t1 --file note.webm --voice-duration 4.5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "File to attach (repeatable)")
	sendCmd.Flags().Float64Var(&sendVoiceDuration, "voice-duration", 0, "Send the files as a voice recording of this many seconds")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "ID of the message being answered")
}

func runSend(cmd *cobra.Command, args []string) error {
	req := inbox.SendRequest{
		Content:       strings.Join(args[1:], " "),
		VoiceDuration: sendVoiceDuration,
		ReplyTo:       sendReplyTo,
	}
	for _, path := range sendFiles {
		f, err := client.ReadUploadFile(path)
		if err != nil {
			return err
		}
		req.Files = append(req.Files, f)
	}
	if len(req.Files) > 0 {
		req.OnProgress = uploadProgress(cmd)
	}

	s, err := openSession(cfg, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.Timeout)
	defer cancel()
	if err := s.inbox.OpenThread(ctx, args[0]); err != nil {
		return err
	}
	msg, err := s.inbox.Send(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Sent %s\n", msg.ID)
	return nil
}

// uploadProgress prints upload progress to stderr, one line per 10%.
func uploadProgress(cmd *cobra.Command) client.ProgressFunc {
	last := -10
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		pct := int(sent * 100 / total)
		if pct == last || (pct/10 == last/10 && pct != 100) {
			return
		}
		last = pct
		fmt.Fprintf(cmd.ErrOrStderr(), "uploading %s %3d%%\n", progressBar(float64(sent), float64(total), 20), pct)
	}
}
