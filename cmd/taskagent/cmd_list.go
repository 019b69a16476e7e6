package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"taskagent/pkg/queue"
)

// newListCmd creates the "taskagent list" subcommand.
func newListCmd() *cobra.Command {
	var (
		which    string
		status   string
		ticketID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !queue.Status(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			st, queues, err := openQueues(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			f := queue.Filter{
				Status:   queue.Status(status),
				TicketID: ticketID,
				Limit:    limit,
			}
			w := cmd.OutOrStdout()

			switch which {
			case "ticket":
				items, err := queues.Tickets().List(cmd.Context(), f)
				if err != nil {
					return err
				}
				printTicketItems(w, items)
				return nil
			case "execution":
				items, err := queues.Executions().List(cmd.Context(), f)
				if err != nil {
					return err
				}
				printExecutionItems(w, items)
				return nil
			default:
				return fmt.Errorf("unknown queue %q (want ticket or execution)", which)
			}
		},
	}

	cmd.Flags().StringVarP(&which, "queue", "q", "ticket", "queue to list: ticket or execution")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().StringVarP(&ticketID, "ticket", "t", "", "filter by ticket id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows to show")
	return cmd
}

func printTicketItems(w io.Writer, items []queue.TicketItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no items found")
		return
	}
	for _, it := range items {
		fmt.Fprintf(w, "%6d | %-16s | %-15s | %-10s | p%d | retry %d/%d | %s\n",
			it.ID, it.TicketIdentifier, it.TaskType, it.Status,
			it.Priority, it.RetryCount, it.MaxRetries,
			it.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func printExecutionItems(w io.Writer, items []queue.ExecutionItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no items found")
		return
	}
	for _, it := range items {
		branch := it.BranchName
		if branch == "" {
			branch = "-"
		}
		fmt.Fprintf(w, "%6d | %-16s | %-10s | p%d | retry %d/%d | %s | %s\n",
			it.ID, it.TicketIdentifier, it.Status,
			it.Priority, it.RetryCount, it.MaxRetries, branch,
			it.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}
