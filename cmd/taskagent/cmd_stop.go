package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "taskagent stop" subcommand. It sends SIGTERM and
// lets the daemon drain: in-flight agents finish their cleanup before the
// process exits.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch status {
			case StatusStopped:
				fmt.Fprintln(w, "daemon is not running")
				return nil
			case StatusStale:
				fmt.Fprintf(w, "removing stale PID file (process %d already dead)\n", pid)
				return RemovePIDFile(paths.PIDPath)
			}

			if err := StopDaemon(paths.PIDPath); err != nil {
				return err
			}
			fmt.Fprintf(w, "sent SIGTERM to daemon (PID %d)\n", pid)
			return nil
		},
	}
}
