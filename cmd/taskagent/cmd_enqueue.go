package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskagent/pkg/queue"
)

// newEnqueueCmd creates the "taskagent enqueue" subcommand: seeds the
// pipeline for one ticket without going through the tracker source.
func newEnqueueCmd() *cobra.Command {
	var (
		description string
		priority    int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <ticket-id> <identifier> <title>",
		Short: "Seed the ticket pipeline for one ticket",
		Args:  cobra.ExactArgs(3),
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

			item, enqueued, err := queues.EnqueueTicket(cmd.Context(), &queue.TicketItem{
				TicketID:         args[0],
				TicketIdentifier: args[1],
				TaskType:         queue.TaskEvaluate,
				Priority:         priority,
				Input: &queue.Payload{
					Evaluate: &queue.EvaluateData{
						Title:       args[2],
						Description: description,
					},
				},
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if !enqueued {
				fmt.Fprintf(w, "ticket %s already has an active evaluate item\n", args[0])
				return nil
			}
			fmt.Fprintf(w, "enqueued evaluate for %s (item %d)\n", args[1], item.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "ticket description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "ticket priority (1 = urgent, 4 = low, 0 = none)")
	return cmd
}
