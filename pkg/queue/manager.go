package queue

import (
	"context"
	"fmt"

	"taskagent/pkg/store"
)

// Manager is the thin façade unifying enqueue, cancel, and list over both
// queues for the Scheduler and external callers (e.g. a tracker-side ticket
// deletion handler). It holds no state beyond the two accessors.
type Manager struct {
	tickets    *TicketQueue
	executions *ExecutionQueue
}

// Options tune the per-queue retry ceilings. Zero values use the documented
// defaults (3 for the ticket pipeline, 2 for execution).
type Options struct {
	TicketMaxRetries    int
	ExecutionMaxRetries int
}

// NewManager builds a Manager over the store's queue tables.
func NewManager(s *store.Store, opts Options) *Manager {
	return &Manager{
		tickets:    NewTicketQueue(s.DB(), opts.TicketMaxRetries),
		executions: NewExecutionQueue(s.DB(), opts.ExecutionMaxRetries),
	}
}

// Tickets returns the ticket pipeline queue accessor.
func (m *Manager) Tickets() *TicketQueue { return m.tickets }

// Executions returns the code-execution queue accessor.
func (m *Manager) Executions() *ExecutionQueue { return m.executions }

// EnqueueTicket inserts a pipeline item. A duplicate-active insert is
// reported as (nil, false, nil): a no-op, not an error.
func (m *Manager) EnqueueTicket(ctx context.Context, item *TicketItem) (*TicketItem, bool, error) {
	out, err := m.tickets.Enqueue(ctx, item)
	if err == ErrDuplicateItem {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// EnqueueExecution inserts an execution item with the same no-op duplicate
// semantics as EnqueueTicket.
func (m *Manager) EnqueueExecution(ctx context.Context, item *ExecutionItem) (*ExecutionItem, bool, error) {
	out, err := m.executions.Enqueue(ctx, item)
	if err == ErrDuplicateItem {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// CancelTicket cancels every non-terminal item for the ticket across both
// queues and returns the total number of items transitioned.
func (m *Manager) CancelTicket(ctx context.Context, ticketID string) (int64, error) {
	n, err := m.tickets.Cancel(ctx, ticketID)
	if err != nil {
		return n, err
	}
	ne, err := m.executions.Cancel(ctx, ticketID)
	return n + ne, err
}

// RecoverAbandoned reconciles both queues after a restart; items left
// processing are requeued with retry budget consumed (or failed terminally).
func (m *Manager) RecoverAbandoned(ctx context.Context) (int, error) {
	t, err := m.tickets.RecoverAbandoned(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover ticket queue: %w", err)
	}
	e, err := m.executions.RecoverAbandoned(ctx)
	if err != nil {
		return len(t), fmt.Errorf("recover execution queue: %w", err)
	}
	return len(t) + len(e), nil
}
