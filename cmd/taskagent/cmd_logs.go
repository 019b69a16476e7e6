package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"taskagent/pkg/eventlog"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail     int
	follow   bool
	ticketID string
	level    string
	module   string
}

// newLogsCmd creates the "taskagent logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail daemon events",
		Long:  "Displays events from the daemon's event stream.\nOptionally filter by ticket, level, or module and follow new events.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, cfg)
			}
			return printLogs(cmd.Context(), reader, w, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVarP(&cfg.ticketID, "ticket", "t", "", "filter by ticket id")
	cmd.Flags().StringVarP(&cfg.level, "level", "l", "", "filter by level (info, warn, error)")
	cmd.Flags().StringVarP(&cfg.module, "module", "m", "", "filter by producing module")
	return cmd
}

// printLogs displays the last N matching events, oldest first.
func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		TicketID: cfg.ticketID,
		Level:    cfg.level,
		Module:   cfg.module,
		Limit:    cfg.tail,
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLogs prints the initial tail, then polls for newer events.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		TicketID: cfg.ticketID,
		Level:    cfg.level,
		Module:   cfg.module,
		Limit:    cfg.tail,
	})
	if err != nil {
		return err
	}

	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
	}
	if len(events) > 0 {
		lastID = events[0].ID
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fresh, err := reader.Query(ctx, eventlog.QueryOpts{
				TicketID: cfg.ticketID,
				Level:    cfg.level,
				Module:   cfg.module,
			})
			if err != nil {
				return err
			}
			for i := len(fresh) - 1; i >= 0; i-- {
				if fresh[i].ID <= lastID {
					continue
				}
				formatEvent(w, &fresh[i])
				lastID = fresh[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e *eventlog.Event) {
	ticket := e.TicketID
	if ticket == "" {
		ticket = "-"
	}
	fmt.Fprintf(w, "%s | %-5s | %-10s | %-12s | %s\n",
		e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Module, ticket, e.Message)
}
