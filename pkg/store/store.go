// Package store provides the SQLite-backed persistence layer for the
// taskagent daemon. A Store is an explicitly constructed handle, injected
// into every component that needs persisted state. Open applies outstanding schema migrations before
// returning, so a Store that opened successfully is always at the latest
// schema version.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the daemon's SQLite database.
type Store struct {
	db *sql.DB
}

// MigrationError indicates that the on-disk schema is ahead of, or has a gap
// relative to, the migrations this build knows about. Running against such a
// schema risks silent data corruption, so the daemon refuses to start.
type MigrationError struct {
	Version int
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("no migration registered for pending schema version %d", e.Version)
}

// migrations maps schema version -> DDL, applied in ascending order, each
// inside its own transaction. Versions must be contiguous starting at 1; a
// gap is surfaced as a MigrationError at startup.
var migrations = map[int]string{
	1: `
	CREATE TABLE ticket_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		ticket_identifier TEXT NOT NULL,
		task_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		readiness_score INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		error_message TEXT,
		input TEXT,
		output TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE UNIQUE INDEX ux_ticket_queue_active
		ON ticket_queue(ticket_id, task_type)
		WHERE status IN ('pending', 'processing');

	CREATE INDEX idx_ticket_queue_claim
		ON ticket_queue(status, priority ASC, readiness_score DESC, created_at ASC);
	`,

	2: `
	CREATE TABLE execution_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		ticket_identifier TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		readiness_score INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 2,
		error_message TEXT,
		prompt TEXT NOT NULL,
		worktree_path TEXT,
		branch_name TEXT,
		pr_url TEXT,
		agent_session_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE UNIQUE INDEX ux_execution_queue_active
		ON execution_queue(ticket_id)
		WHERE status IN ('pending', 'processing');

	CREATE INDEX idx_execution_queue_claim
		ON execution_queue(status, priority ASC, readiness_score DESC, created_at ASC);
	`,

	3: `
	CREATE TABLE events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level TEXT NOT NULL,
		module TEXT NOT NULL,
		message TEXT NOT NULL,
		ticket_id TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX idx_events_ticket ON events(ticket_id);
	CREATE INDEX idx_events_level ON events(level);
	`,
}

// latestVersion returns the highest registered migration version.
func latestVersion() int {
	latest := 0
	for v := range migrations {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// Open opens (or creates) the SQLite database at path, enforces WAL journal
// mode, a 5-second busy timeout, and foreign keys, then applies outstanding
// migrations. Opening an already-migrated database is a no-op beyond the
// version check.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// SQLite supports a single writer; serialising through one connection
	// keeps claim transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for the queue and eventlog accessors.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Version returns the currently applied schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	return currentVersion(ctx, s.db)
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies all migrations above the recorded schema version, each in
// its own transaction, and advances the schema_version row as it goes.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentVersion(ctx, s.db)
	if err != nil {
		return err
	}

	latest := latestVersion()
	if current > latest {
		// Database written by a newer build.
		return &MigrationError{Version: current}
	}

	for v := current + 1; v <= latest; v++ {
		ddl, ok := migrations[v]
		if !ok {
			return &MigrationError{Version: v}
		}
		if err := s.applyMigration(ctx, v, ddl); err != nil {
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
	}
	return nil
}

// applyMigration runs one migration and the schema_version bump atomically.
func (s *Store) applyMigration(ctx context.Context, version int, ddl string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, version)
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
