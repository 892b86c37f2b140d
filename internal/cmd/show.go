package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <thread>",
	Short: "Show a conversation",
	Long: `Show the messages of a conversation and mark it as read.

Voice notes and other attachments are listed under their message with
their attachment index, which "marketchat play" accepts.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	if t, ok := s.inbox.Thread(args[0]); ok && t.Subject != "" {
		fmt.Fprintf(out, "# %s\n\n", t.Subject)
	}
	local := cfg.User.Identity()
	for _, m := range s.inbox.Messages() {
		fmt.Fprintln(out, formatMessage(m, local, s.inbox.IsPending(m.ID)))
	}
	return nil
}
