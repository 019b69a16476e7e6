package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"taskagent/pkg/queue"
)

// newStatusCmd creates the "taskagent status" subcommand: daemon liveness
// plus a per-status count of both queues.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			w := cmd.OutOrStdout()

			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}
			switch status {
			case StatusRunning:
				fmt.Fprintf(w, "daemon: running (PID %d)\n", pid)
			case StatusStale:
				fmt.Fprintf(w, "daemon: stale PID file (process %d dead)\n", pid)
			default:
				fmt.Fprintln(w, "daemon: stopped")
			}

			st, queues, err := openQueues(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := printQueueCounts(cmd.Context(), w, "tickets", func(ctx context.Context, s queue.Status) (int, error) {
				items, err := queues.Tickets().List(ctx, queue.Filter{Status: s})
				return len(items), err
			}); err != nil {
				return err
			}
			return printQueueCounts(cmd.Context(), w, "executions", func(ctx context.Context, s queue.Status) (int, error) {
				items, err := queues.Executions().List(ctx, queue.Filter{Status: s})
				return len(items), err
			})
		},
	}
}

// printQueueCounts writes one line per status with a non-zero count.
func printQueueCounts(ctx context.Context, w io.Writer, label string, count func(context.Context, queue.Status) (int, error)) error {
	statuses := []queue.Status{
		queue.StatusPending, queue.StatusProcessing,
		queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled,
	}

	fmt.Fprintf(w, "%s:", label)
	total := 0
	for _, s := range statuses {
		n, err := count(ctx, s)
		if err != nil {
			return fmt.Errorf("count %s %s: %w", label, s, err)
		}
		if n > 0 {
			fmt.Fprintf(w, " %s=%d", s, n)
			total += n
		}
	}
	if total == 0 {
		fmt.Fprint(w, " empty")
	}
	fmt.Fprintln(w)
	return nil
}
