package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the "taskagent cancel" subcommand: cancels every
// non-terminal item for a ticket across both queues.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <ticket-id>",
		Short: "Cancel all active work for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			st, queues, err := openQueues(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := queues.CancelTicket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d items for ticket %s\n", n, args[0])
			return nil
		},
	}
}
