package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"taskagent/pkg/queue"
	"taskagent/pkg/store"
)

func newIntakeQueue(t *testing.T) *queue.TicketQueue {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return queue.NewTicketQueue(s.DB(), 0)
}

func TestIngestor_SeedsEvaluateItems(t *testing.T) {
	tickets := newIntakeQueue(t)
	src := &fakeSource{tickets: []Ticket{
		{ID: "t-1", Identifier: "TASK-1", Title: "fix login", Description: "desc", Priority: 1},
		{ID: "t-2", Identifier: "TASK-2", Title: "fix logout"},
	}}
	ing := NewIngestor(src, tickets, nil, IngestorConfig{})

	seeded := ing.ingest(context.Background())
	if seeded != 2 {
		t.Fatalf("seeded = %d, want 2", seeded)
	}

	items, err := tickets.List(context.Background(), queue.Filter{TicketID: "t-1"})
	if err != nil || len(items) != 1 {
		t.Fatalf("list t-1: %v, %d items", err, len(items))
	}
	item := items[0]
	if item.TaskType != queue.TaskEvaluate || item.Priority != 1 {
		t.Errorf("item = %+v", item)
	}
	if item.Input == nil || item.Input.Evaluate == nil || item.Input.Evaluate.Title != "fix login" {
		t.Errorf("input payload = %+v", item.Input)
	}
}

func TestIngestor_SeedsEachTicketOnce(t *testing.T) {
	tickets := newIntakeQueue(t)
	src := &fakeSource{tickets: []Ticket{{ID: "t-1", Identifier: "TASK-1", Title: "a"}}}
	ing := NewIngestor(src, tickets, nil, IngestorConfig{})
	ctx := context.Background()

	if seeded := ing.ingest(ctx); seeded != 1 {
		t.Fatalf("first pass seeded %d, want 1", seeded)
	}
	if seeded := ing.ingest(ctx); seeded != 0 {
		t.Fatalf("second pass seeded %d, want 0", seeded)
	}

	// A ticket with pipeline history is never re-seeded, even after terminal.
	item, err := tickets.ClaimNext(ctx)
	if err != nil || item == nil {
		t.Fatalf("claim: %v, %v", item, err)
	}
	if err := tickets.MarkCompleted(ctx, item.ID, item.Input); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if seeded := ing.ingest(ctx); seeded != 0 {
		t.Fatalf("post-terminal pass seeded %d, want 0", seeded)
	}
}

func TestIngestor_SkipsEmptyIDs(t *testing.T) {
	tickets := newIntakeQueue(t)
	src := &fakeSource{tickets: []Ticket{
		{ID: "", Identifier: "BROKEN", Title: "no id"},
		{ID: "t-1", Identifier: "TASK-1", Title: "real"},
	}}
	ing := NewIngestor(src, tickets, nil, IngestorConfig{})

	if seeded := ing.ingest(context.Background()); seeded != 1 {
		t.Errorf("seeded = %d, want 1", seeded)
	}
}

func TestIngestor_WakesSchedulerOnNewWork(t *testing.T) {
	tickets := newIntakeQueue(t)
	wake := make(chan struct{}, 1)
	src := &fakeSource{tickets: []Ticket{{ID: "t-1", Identifier: "TASK-1", Title: "a"}}}
	ing := NewIngestor(src, tickets, nil, IngestorConfig{Wake: wake})
	ctx := context.Background()

	ing.ingest(ctx)
	select {
	case <-wake:
	default:
		t.Fatal("no wake signal after seeding")
	}

	// Nothing new: no signal, and an un-drained channel never blocks intake.
	ing.ingest(ctx)
	select {
	case <-wake:
		t.Fatal("wake signal without new work")
	default:
	}
}

func TestIngestor_ReadyErrorIsNonFatal(t *testing.T) {
	tickets := newIntakeQueue(t)
	src := &fakeSource{readyErr: errors.New("tracker unreachable")}
	ing := NewIngestor(src, tickets, nil, IngestorConfig{})

	if seeded := ing.ingest(context.Background()); seeded != 0 {
		t.Errorf("seeded = %d, want 0", seeded)
	}
}
