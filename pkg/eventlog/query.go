package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one row of the daemon's status stream.
type Event struct {
	ID        int64
	Level     string
	Module    string
	Message   string
	TicketID  string
	CreatedAt time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// TicketID filters events to a specific ticket.
	TicketID string

	// Level filters to a specific level ("info", "warn", "error").
	Level string

	// Module filters to a specific producing module.
	Module string

	// After filters events created at or after this time.
	After *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the event stream, opened in read-only
// mode so monitoring never blocks the daemon.
type Reader struct {
	db *sql.DB
}

// NewReader opens the daemon's SQLite database in read-only mode with WAL.
// Returns an error if the database does not exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// NewReaderFromDB wraps an existing handle (for in-process monitoring reads).
func NewReaderFromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching the filter, newest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			ticketID  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Module, &e.Message, &ticketID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TicketID = ticketID.String
		if createdAt != "" {
			t, err := parseEventTime(createdAt)
			if err != nil {
				return nil, fmt.Errorf("parse created_at: %w", err)
			}
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// parseEventTime parses SQLite datetime('now') output, falling back to
// RFC3339 for rows written with an explicit timestamp.
func parseEventTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	query := "SELECT id, level, module, message, ticket_id, created_at FROM events"

	if opts.TicketID != "" {
		conditions = append(conditions, "ticket_id = ?")
		args = append(args, opts.TicketID)
	}
	if opts.Level != "" {
		conditions = append(conditions, "level = ?")
		args = append(args, opts.Level)
	}
	if opts.Module != "" {
		conditions = append(conditions, "module = ?")
		args = append(args, opts.Module)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
