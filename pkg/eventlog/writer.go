// Package eventlog provides the persistent status stream for the daemon: a
// level/module/message event table in the shared SQLite store, written by
// every component and readable by monitoring tools. Terminal failures are
// surfaced here at error level; the event stream is the human-visible
// reporting channel, the process log is not.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Writer appends events to the events table and mirrors them to the process
// log. A nil Writer is usable and drops persistence, which keeps unit tests
// of callers free of database setup.
type Writer struct {
	db *sql.DB
}

// NewWriter creates a Writer over the shared store handle.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Infof records an info-level event.
func (w *Writer) Infof(ctx context.Context, module, ticketID, format string, args ...any) {
	w.write(ctx, LevelInfo, module, ticketID, fmt.Sprintf(format, args...))
}

// Warnf records a warn-level event.
func (w *Writer) Warnf(ctx context.Context, module, ticketID, format string, args ...any) {
	w.write(ctx, LevelWarn, module, ticketID, fmt.Sprintf(format, args...))
}

// Errorf records an error-level event.
func (w *Writer) Errorf(ctx context.Context, module, ticketID, format string, args ...any) {
	w.write(ctx, LevelError, module, ticketID, fmt.Sprintf(format, args...))
}

func (w *Writer) write(ctx context.Context, level, module, ticketID, msg string) {
	log.Printf("[%s] %s: %s", level, module, msg)
	if w == nil || w.db == nil {
		return
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO events (level, module, message, ticket_id) VALUES (?, ?, ?, ?)`,
		level, module, msg, ticketID)
	if err != nil {
		log.Printf("[warn] eventlog: persist event: %v", err)
	}
}
