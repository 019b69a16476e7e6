package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// claimOrder is the eligibility ordering shared by both queues: priority
// ascending with 0 (none) sorted after 4 (low), readiness descending with
// nulls last, then FIFO on creation time. The transaction around the
// SELECT + UPDATE pair is what guarantees at-most-one-claimant.
const claimOrder = `
	ORDER BY CASE WHEN priority = 0 THEN 5 ELSE priority END ASC,
		(readiness_score IS NULL) ASC,
		readiness_score DESC,
		created_at ASC,
		id ASC
	LIMIT 1`

// TicketQueue is the typed accessor over the ticket_queue table.
type TicketQueue struct {
	db         *sql.DB
	maxRetries int
}

// NewTicketQueue wraps db. maxRetries is the retry ceiling stamped onto new
// items; 0 means DefaultTicketMaxRetries.
func NewTicketQueue(db *sql.DB, maxRetries int) *TicketQueue {
	if maxRetries == 0 {
		maxRetries = DefaultTicketMaxRetries
	}
	return &TicketQueue{db: db, maxRetries: maxRetries}
}

const ticketColumns = `id, ticket_id, ticket_identifier, task_type, status, priority,
	readiness_score, retry_count, max_retries, error_message, input, output,
	created_at, updated_at, started_at, completed_at`

// Enqueue inserts a pending item for (ticketID, taskType). If an active item
// for that pair already exists the partial unique index rejects the insert
// and ErrDuplicateItem is returned.
func (q *TicketQueue) Enqueue(ctx context.Context, item *TicketItem) (*TicketItem, error) {
	if !item.TaskType.Valid() {
		return nil, fmt.Errorf("enqueue ticket %s: unknown task type %q", item.TicketID, item.TaskType)
	}
	input, err := marshalPayload(item.Input)
	if err != nil {
		return nil, fmt.Errorf("enqueue ticket %s: %w", item.TicketID, err)
	}

	now := time.Now().UTC()
	maxRetries := item.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.maxRetries
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO ticket_queue
			(ticket_id, ticket_identifier, task_type, status, priority, readiness_score,
			 retry_count, max_retries, input, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		item.TicketID, item.TicketIdentifier, item.TaskType, StatusPending,
		item.Priority, nullInt(item.ReadinessScore), maxRetries, input, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateItem
		}
		return nil, fmt.Errorf("enqueue ticket %s/%s: %w", item.TicketID, item.TaskType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue ticket %s/%s: %w", item.TicketID, item.TaskType, err)
	}

	out := *item
	out.ID = id
	out.Status = StatusPending
	out.MaxRetries = maxRetries
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// ClaimNext atomically selects the single most eligible pending item, marks
// it processing with startedAt = now, and returns it. Returns (nil, nil) when
// no item is eligible or a concurrent claimant won the race.
func (q *TicketQueue) ClaimNext(ctx context.Context) (*TicketItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim ticket: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM ticket_queue WHERE status = ?`+claimOrder,
		StatusPending)
	item, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim ticket: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE ticket_queue SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusProcessing, now, now, item.ID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim ticket %d: %w", item.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim ticket %d: %w", item.ID, err)
	}
	if affected == 0 {
		// Lost the claim race; the caller finds the next item on its next pass.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim ticket %d: commit: %w", item.ID, err)
	}

	item.Status = StatusProcessing
	item.StartedAt = &now
	item.UpdatedAt = now
	return item, nil
}

// MarkCompleted transitions a processing item to completed and persists the
// handler's output payload.
func (q *TicketQueue) MarkCompleted(ctx context.Context, id int64, output *Payload) error {
	data, err := marshalPayload(output)
	if err != nil {
		return fmt.Errorf("complete ticket item %d: %w", id, err)
	}
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE ticket_queue SET status = ?, output = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusCompleted, data, now, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete ticket item %d: %w", id, err)
	}
	return requireAffected(res, id)
}

// MarkFailed records a handler failure. Below the retry ceiling the item is
// reset to pending with its counter incremented, making it claimable again;
// at the ceiling it becomes terminal failed. The read-modify-write runs in
// one transaction so the retry-reset stays atomic under concurrent callers.
func (q *TicketQueue) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return markFailed(ctx, q.db, "ticket_queue", id, errMsg)
}

// Cancel transitions every non-terminal item for ticketID to cancelled and
// returns the number of items affected.
func (q *TicketQueue) Cancel(ctx context.Context, ticketID string) (int64, error) {
	return cancelItems(ctx, q.db, "ticket_queue", ticketID)
}

// Get returns the item with the given id.
func (q *TicketQueue) Get(ctx context.Context, id int64) (*TicketItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM ticket_queue WHERE id = ?`, id)
	item, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket item %d: %w", id, err)
	}
	return item, nil
}

// List returns a read-only projection for monitoring, newest first.
func (q *TicketQueue) List(ctx context.Context, f Filter) ([]TicketItem, error) {
	query := `SELECT ` + ticketColumns + ` FROM ticket_queue`
	where, args := filterClauses(f)
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ticket items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []TicketItem
	for rows.Next() {
		item, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// LatestCompleted returns, per ticket, the most recent completed item of the
// given task type. The Scheduler uses this over check_response to find
// tickets parked at the approval gate.
func (q *TicketQueue) LatestCompleted(ctx context.Context, taskType TaskType) ([]TicketItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM ticket_queue
		 WHERE id IN (
			SELECT MAX(id) FROM ticket_queue
			WHERE task_type = ? AND status = ?
			GROUP BY ticket_id
		 )
		 ORDER BY id ASC`,
		taskType, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("latest completed %s: %w", taskType, err)
	}
	defer func() { _ = rows.Close() }()

	var items []TicketItem
	for rows.Next() {
		item, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// HasTerminalSince reports whether an item for the ticket and stage newer
// than afterID ended cancelled or failed. The Scheduler uses this to park
// the approval re-poll: once a cancellation or an exhausted retry budget
// has ended a newer check for the ticket, the gate stays closed instead of
// resurrecting the stage every tick.
func (q *TicketQueue) HasTerminalSince(ctx context.Context, ticketID string, taskType TaskType, afterID int64) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ticket_queue
		 WHERE ticket_id = ? AND task_type = ? AND id > ? AND status IN (?, ?)`,
		ticketID, taskType, afterID, StatusCancelled, StatusFailed).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("terminal since %d for %s: %w", afterID, ticketID, err)
	}
	return n > 0, nil
}

// ExistsForTicket reports whether any pipeline item, active or terminal,
// exists for the ticket. Intake uses this to enqueue each ticket's pipeline
// exactly once.
func (q *TicketQueue) ExistsForTicket(ctx context.Context, ticketID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ticket_queue WHERE ticket_id = ?`, ticketID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ticket exists for %s: %w", ticketID, err)
	}
	return n > 0, nil
}

// RecoverAbandoned requeues items left processing by a prior crash. No
// in-memory worker survives a restart, so each such item takes one
// MarkFailed application: requeued with its retry budget consumed, or
// terminal failed if the budget is already spent. Returns the item ids that
// were reconciled.
func (q *TicketQueue) RecoverAbandoned(ctx context.Context) ([]int64, error) {
	return recoverAbandoned(ctx, q.db, "ticket_queue")
}

// scanTicket reads one ticket_queue row from r, validating persisted enum
// text and payloads at the read boundary.
func scanTicket(r rowScanner) (*TicketItem, error) {
	var (
		item           TicketItem
		taskType       string
		status         string
		readiness      sql.NullInt64
		errMsg         sql.NullString
		input, output  sql.NullString
		started, ended sql.NullTime
	)
	err := r.Scan(&item.ID, &item.TicketID, &item.TicketIdentifier, &taskType,
		&status, &item.Priority, &readiness, &item.RetryCount, &item.MaxRetries,
		&errMsg, &input, &output, &item.CreatedAt, &item.UpdatedAt, &started, &ended)
	if err != nil {
		return nil, err
	}

	item.TaskType = TaskType(taskType)
	if !item.TaskType.Valid() {
		return nil, fmt.Errorf("row %d: unknown task type %q", item.ID, taskType)
	}
	item.Status = Status(status)
	if !item.Status.Valid() {
		return nil, fmt.Errorf("row %d: unknown status %q", item.ID, status)
	}
	if readiness.Valid {
		v := int(readiness.Int64)
		item.ReadinessScore = &v
	}
	if errMsg.Valid {
		item.ErrorMessage = errMsg.String
	}
	if item.Input, err = unmarshalPayload(input); err != nil {
		return nil, fmt.Errorf("row %d: input payload: %w", item.ID, err)
	}
	if item.Output, err = unmarshalPayload(output); err != nil {
		return nil, fmt.Errorf("row %d: output payload: %w", item.ID, err)
	}
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

// --- shared helpers ---

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalPayload(p *Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(col sql.NullString) (*Payload, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(col.String), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// isUniqueViolation matches SQLite unique-constraint errors. The driver does
// not expose a typed error for this, so match on the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func requireAffected(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("item %d: rows affected: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return nil
}

// markFailed implements the shared retry mechanics for both queue tables.
func markFailed(ctx context.Context, db *sql.DB, table string, id int64, errMsg string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail %s item %d: begin: %w", table, id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status                 string
		retryCount, maxRetries int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, retry_count, max_retries FROM `+table+` WHERE id = ?`, id).
		Scan(&status, &retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fail %s item %d: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("fail %s item %d: %w", table, id, err)
	}
	if Status(status).Terminal() {
		// Terminal items are immutable.
		return fmt.Errorf("fail %s item %d: already %s", table, id, status)
	}

	now := time.Now().UTC()
	next := StatusFailed
	if retryCount < maxRetries {
		next = StatusPending
	}

	if next == StatusPending {
		// Claimable again with the incremented counter preserved; started_at
		// is cleared so the next attempt gets its own start time.
		_, err = tx.ExecContext(ctx,
			`UPDATE `+table+` SET status = ?, retry_count = retry_count + 1,
				error_message = ?, started_at = NULL, updated_at = ?
			 WHERE id = ?`,
			StatusPending, errMsg, now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE `+table+` SET status = ?, retry_count = retry_count + 1,
				error_message = ?, completed_at = ?, updated_at = ?
			 WHERE id = ?`,
			StatusFailed, errMsg, now, now, id)
	}
	if err != nil {
		return fmt.Errorf("fail %s item %d: %w", table, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail %s item %d: commit: %w", table, id, err)
	}
	return nil
}

func cancelItems(ctx context.Context, db *sql.DB, table, ticketID string) (int64, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, updated_at = ?
		 WHERE ticket_id = ? AND status IN (?, ?)`,
		StatusCancelled, now, ticketID, StatusPending, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("cancel %s items for %s: %w", table, ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel %s items for %s: %w", table, ticketID, err)
	}
	return affected, nil
}

func recoverAbandoned(ctx context.Context, db *sql.DB, table string) ([]int64, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE status = ?`, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("recover %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recover %s: %w", table, err)
	}

	for _, id := range ids {
		if err := markFailed(ctx, db, table, id, "attempt abandoned by daemon restart"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func filterClauses(f Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, f.TicketID)
	}
	return where, args
}
