package queue

import (
	"context"
	"path/filepath"
	"testing"

	"taskagent/pkg/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s, Options{})
}

func TestManager_DuplicateEnqueueIsNoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	item, enqueued, err := m.EnqueueTicket(ctx, evaluateItem("t-1", "TASK-1"))
	if err != nil {
		t.Fatalf("EnqueueTicket() error: %v", err)
	}
	if !enqueued || item == nil {
		t.Fatalf("EnqueueTicket() = (%v, %v), want item and true", item, enqueued)
	}

	item, enqueued, err = m.EnqueueTicket(ctx, evaluateItem("t-1", "TASK-1"))
	if err != nil {
		t.Fatalf("duplicate EnqueueTicket() error: %v", err)
	}
	if enqueued || item != nil {
		t.Errorf("duplicate EnqueueTicket() = (%v, %v), want (nil, false)", item, enqueued)
	}

	_, enqueued, err = m.EnqueueExecution(ctx, executionItem("t-1", "TASK-1"))
	if err != nil || !enqueued {
		t.Fatalf("EnqueueExecution() = (%v, %v)", enqueued, err)
	}
	_, enqueued, err = m.EnqueueExecution(ctx, executionItem("t-1", "TASK-1"))
	if err != nil {
		t.Fatalf("duplicate EnqueueExecution() error: %v", err)
	}
	if enqueued {
		t.Error("duplicate EnqueueExecution() = true, want false")
	}
}

func TestManager_CancelTicketSpansBothQueues(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.EnqueueTicket(ctx, evaluateItem("t-1", "TASK-1")); err != nil {
		t.Fatalf("EnqueueTicket() error: %v", err)
	}
	if _, _, err := m.EnqueueExecution(ctx, executionItem("t-1", "TASK-1")); err != nil {
		t.Fatalf("EnqueueExecution() error: %v", err)
	}

	n, err := m.CancelTicket(ctx, "t-1")
	if err != nil {
		t.Fatalf("CancelTicket() error: %v", err)
	}
	if n != 2 {
		t.Errorf("CancelTicket() = %d, want 2", n)
	}
}

func TestManager_RecoverAbandonedSpansBothQueues(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.EnqueueTicket(ctx, evaluateItem("t-1", "TASK-1")); err != nil {
		t.Fatalf("EnqueueTicket() error: %v", err)
	}
	if _, _, err := m.EnqueueExecution(ctx, executionItem("t-2", "TASK-2")); err != nil {
		t.Fatalf("EnqueueExecution() error: %v", err)
	}
	if _, err := m.Tickets().ClaimNext(ctx); err != nil {
		t.Fatalf("ticket ClaimNext() error: %v", err)
	}
	if _, err := m.Executions().ClaimNext(ctx); err != nil {
		t.Fatalf("execution ClaimNext() error: %v", err)
	}

	n, err := m.RecoverAbandoned(ctx)
	if err != nil {
		t.Fatalf("RecoverAbandoned() error: %v", err)
	}
	if n != 2 {
		t.Errorf("RecoverAbandoned() = %d, want 2", n)
	}
}
