package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List your conversations",
	Long: `List your conversations, most recent activity first.

Threads with unread messages show their unread count.`,
	Args: cobra.NoArgs,
	RunE: runThreads,
}

func init() {
	rootCmd.AddCommand(threadsCmd)
}

func runThreads(cmd *cobra.Command, args []string) error {
	s, err := openSession(cfg, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.Timeout)
	defer cancel()
	if err := s.inbox.LoadThreads(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	threads := s.inbox.Threads()
	if len(threads) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return nil
	}
	now := time.Now()
	for _, t := range threads {
		fmt.Fprintln(out, formatThread(t, now))
	}
	return nil
}
