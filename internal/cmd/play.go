package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/inbox"
	"github.com/inercia/marketchat/internal/voice"
)

var (
	playAttachment int
	playNoAutoplay bool
	playSpeed      float64
)

var playCmd = &cobra.Command{
	Use:   "play <thread> <message>",
	Short: "Play voice notes",
	Long: `Play a voice note and, unless --no-autoplay is given, the voice notes
the same sender sent right after it, with a short cue in between.

By default playback is simulated in the terminal: each note takes its
recorded duration and its progress is printed. With playback.output set
to "speaker" the notes are decoded and played on the sound card
(WAV, MP3, FLAC and Ogg Vorbis; --speed does not apply).`,
	Args: cobra.ExactArgs(2),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().IntVarP(&playAttachment, "attachment", "a", -1, "Attachment index (default: the message's first voice note)")
	playCmd.Flags().BoolVar(&playNoAutoplay, "no-autoplay", false, "Play only the selected voice note")
	playCmd.Flags().Float64Var(&playSpeed, "speed", 1, "Playback speed factor")
}

// voiceIndex picks the attachment to play: the requested index, or the
// first voice note when requested is negative.
func voiceIndex(m chat.Message, requested int) (int, error) {
	if requested < 0 {
		voices := m.VoiceAttachments()
		if len(voices) == 0 {
			return 0, fmt.Errorf("message %s has no voice notes", m.ID)
		}
		return voices[0], nil
	}
	if requested >= len(m.Attachments) {
		return 0, fmt.Errorf("message %s has no attachment #%d", m.ID, requested)
	}
	if !m.Attachments[requested].IsVoice() {
		return 0, fmt.Errorf("attachment #%d of message %s is not a voice note", requested, m.ID)
	}
	return requested, nil
}

func findMessage(messages []chat.Message, id string) (chat.Message, bool) {
	for _, m := range messages {
		if m.ID == id {
			return m, true
		}
	}
	return chat.Message{}, false
}

func runPlay(cmd *cobra.Command, args []string) error {
	threadID, messageID := args[0], args[1]

	events := make(chan inbox.Event, 64)
	s, err := openSession(cfg, sessionOptions{
		speed: playSpeed,
		onEvent: func(ev inbox.Event) {
			select {
			case events <- ev:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	loadCtx, cancel := context.WithTimeout(ctx, cfg.Server.Timeout)
	defer cancel()
	if err := s.inbox.OpenThread(loadCtx, threadID); err != nil {
		return err
	}

	msg, ok := findMessage(s.inbox.Messages(), messageID)
	if !ok {
		return fmt.Errorf("message %s not found in thread %s", messageID, threadID)
	}
	index, err := voiceIndex(msg, playAttachment)
	if err != nil {
		return err
	}

	if err := s.inbox.PlayVoiceNote(messageID, index, !playNoAutoplay); err != nil {
		return err
	}
	return followPlayback(ctx, s.inbox, events, cmd.OutOrStdout())
}

// followPlayback prints playback progress until the sequence ends, fails
// or ctx is cancelled.
func followPlayback(ctx context.Context, ib *inbox.Inbox, events <-chan inbox.Event, out io.Writer) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	var lastLine string
	for {
		select {
		case <-ctx.Done():
			ib.StopPlayback()
			fmt.Fprintln(out)
			return nil

		case ev := <-events:
			switch {
			case ev.Kind == inbox.EventScroll && ev.MessageID != "":
				if lastLine != "" {
					fmt.Fprintln(out)
					lastLine = ""
				}
				fmt.Fprintf(out, "▶ %s\n", ev.MessageID)
			case ev.Kind == inbox.EventError && ev.Err != nil:
				lastErr = ev.Err
			}

		case <-ticker.C:
		}

		if st, ok := ib.PlayingState(); ok {
			line := fmt.Sprintf("\r  %s %s / %s", progressBar(st.CurrentTime, st.Duration, 30),
				formatClock(st.CurrentTime), formatClock(st.Duration))
			if line != lastLine {
				fmt.Fprint(out, line)
				lastLine = line
			}
		}

		switch ib.PlaybackState() {
		case voice.StateIdle:
			if lastLine != "" {
				fmt.Fprintln(out)
			}
			return nil
		case voice.StateFailed:
			if lastLine != "" {
				fmt.Fprintln(out)
			}
			if lastErr == nil {
				lastErr = errors.New("playback failed")
			}
			return lastErr
		}
	}
}
