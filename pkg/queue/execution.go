package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ExecutionQueue is the typed accessor over the execution_queue table. At
// most one active item may exist per ticket, enforced by a partial unique
// index, so promoting an already-queued ticket is a detectable no-op.
type ExecutionQueue struct {
	db         *sql.DB
	maxRetries int
}

// NewExecutionQueue wraps db. maxRetries is the retry ceiling stamped onto
// new items; 0 means DefaultExecutionMaxRetries.
func NewExecutionQueue(db *sql.DB, maxRetries int) *ExecutionQueue {
	if maxRetries == 0 {
		maxRetries = DefaultExecutionMaxRetries
	}
	return &ExecutionQueue{db: db, maxRetries: maxRetries}
}

const executionColumns = `id, ticket_id, ticket_identifier, status, priority,
	readiness_score, retry_count, max_retries, error_message, prompt,
	worktree_path, branch_name, pr_url, agent_session_id,
	created_at, updated_at, started_at, completed_at`

// Enqueue inserts a pending execution item. Returns ErrDuplicateItem when an
// active item for the ticket already exists.
func (q *ExecutionQueue) Enqueue(ctx context.Context, item *ExecutionItem) (*ExecutionItem, error) {
	if strings.TrimSpace(item.Prompt) == "" {
		return nil, fmt.Errorf("enqueue execution for %s: empty prompt", item.TicketID)
	}

	now := time.Now().UTC()
	maxRetries := item.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.maxRetries
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO execution_queue
			(ticket_id, ticket_identifier, status, priority, readiness_score,
			 retry_count, max_retries, prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		item.TicketID, item.TicketIdentifier, StatusPending, item.Priority,
		nullInt(item.ReadinessScore), maxRetries, item.Prompt, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateItem
		}
		return nil, fmt.Errorf("enqueue execution for %s: %w", item.TicketID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue execution for %s: %w", item.TicketID, err)
	}

	out := *item
	out.ID = id
	out.Status = StatusPending
	out.MaxRetries = maxRetries
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// ClaimNext atomically claims the most eligible pending execution item, or
// returns (nil, nil) when none is eligible.
func (q *ExecutionQueue) ClaimNext(ctx context.Context) (*ExecutionItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim execution: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM execution_queue WHERE status = ?`+claimOrder,
		StatusPending)
	item, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim execution: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE execution_queue SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusProcessing, now, now, item.ID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim execution %d: %w", item.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim execution %d: %w", item.ID, err)
	}
	if affected == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim execution %d: commit: %w", item.ID, err)
	}

	item.Status = StatusProcessing
	item.StartedAt = &now
	item.UpdatedAt = now
	return item, nil
}

// SetWorkspace records the worktree, branch, and agent session bound to an
// in-flight attempt so a monitoring read shows where the agent is working.
func (q *ExecutionQueue) SetWorkspace(ctx context.Context, id int64, worktreePath, branchName, sessionID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE execution_queue SET worktree_path = ?, branch_name = ?, agent_session_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		worktreePath, branchName, sessionID, time.Now().UTC(), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("set workspace on execution %d: %w", id, err)
	}
	return requireAffected(res, id)
}

// MarkCompleted transitions a processing item to completed, recording the
// result reference produced by the agent (e.g. a PR URL).
func (q *ExecutionQueue) MarkCompleted(ctx context.Context, id int64, resultRef string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE execution_queue SET status = ?, pr_url = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusCompleted, resultRef, now, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete execution %d: %w", id, err)
	}
	return requireAffected(res, id)
}

// MarkFailed applies the retry mechanics: reset to pending below the retry
// ceiling, terminal failed at it.
func (q *ExecutionQueue) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return markFailed(ctx, q.db, "execution_queue", id, errMsg)
}

// Cancel transitions every non-terminal execution item for ticketID to
// cancelled.
func (q *ExecutionQueue) Cancel(ctx context.Context, ticketID string) (int64, error) {
	return cancelItems(ctx, q.db, "execution_queue", ticketID)
}

// ReleaseClaim returns a processing item to pending without consuming retry
// budget. Used when a claim cannot be handed to a worker after all; the
// attempt never started, so it is not a failure.
func (q *ExecutionQueue) ReleaseClaim(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE execution_queue SET status = ?, started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusPending, time.Now().UTC(), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("release execution claim %d: %w", id, err)
	}
	return requireAffected(res, id)
}

// Get returns the item with the given id.
func (q *ExecutionQueue) Get(ctx context.Context, id int64) (*ExecutionItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM execution_queue WHERE id = ?`, id)
	item, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	return item, nil
}

// ExistsForTicket reports whether any execution item, active or terminal,
// exists for the ticket. The Scheduler uses this so a ticket is promoted at
// most once; a terminally failed execution stays failed until a human acts.
func (q *ExecutionQueue) ExistsForTicket(ctx context.Context, ticketID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM execution_queue WHERE ticket_id = ?`, ticketID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("execution exists for %s: %w", ticketID, err)
	}
	return n > 0, nil
}

// List returns a read-only projection for monitoring, newest first.
func (q *ExecutionQueue) List(ctx context.Context, f Filter) ([]ExecutionItem, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_queue`
	where, args := filterClauses(f)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []ExecutionItem
	for rows.Next() {
		item, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// RecoverAbandoned requeues execution items left processing by a prior
// crash, consuming one unit of retry budget each.
func (q *ExecutionQueue) RecoverAbandoned(ctx context.Context) ([]int64, error) {
	return recoverAbandoned(ctx, q.db, "execution_queue")
}

func scanExecution(r rowScanner) (*ExecutionItem, error) {
	var (
		item                   ExecutionItem
		status                 string
		readiness              sql.NullInt64
		errMsg, wtPath, branch sql.NullString
		prURL, sessionID       sql.NullString
		started, ended         sql.NullTime
	)
	err := r.Scan(&item.ID, &item.TicketID, &item.TicketIdentifier, &status,
		&item.Priority, &readiness, &item.RetryCount, &item.MaxRetries, &errMsg,
		&item.Prompt, &wtPath, &branch, &prURL, &sessionID,
		&item.CreatedAt, &item.UpdatedAt, &started, &ended)
	if err != nil {
		return nil, err
	}

	item.Status = Status(status)
	if !item.Status.Valid() {
		return nil, fmt.Errorf("row %d: unknown status %q", item.ID, status)
	}
	if readiness.Valid {
		v := int(readiness.Int64)
		item.ReadinessScore = &v
	}
	item.ErrorMessage = errMsg.String
	item.WorktreePath = wtPath.String
	item.BranchName = branch.String
	item.PRURL = prURL.String
	item.AgentSessionID = sessionID.String
	if started.Valid {
		t := started.Time
		item.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		item.CompletedAt = &t
	}
	return &item, nil
}
