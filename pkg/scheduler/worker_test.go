package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskagent/pkg/queue"
	"taskagent/pkg/store"
	"taskagent/pkg/worktree"
)

type workerFixture struct {
	tickets    *queue.TicketQueue
	executions *queue.ExecutionQueue
	runner     *recordingRunner
	worker     *Worker
}

func newWorkerFixture(t *testing.T, spawner *fakeSpawner, timeout time.Duration) *workerFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tickets := queue.NewTicketQueue(s.DB(), 0)
	executions := queue.NewExecutionQueue(s.DB(), 0)
	runner := &recordingRunner{}
	worktrees := worktree.NewManager(t.TempDir(), "", runner)
	worker := NewWorker(tickets, executions, worktrees, spawner, nil, timeout)
	return &workerFixture{tickets: tickets, executions: executions, runner: runner, worker: worker}
}

func claimExecution(t *testing.T, f *workerFixture, ticketID string) *queue.ExecutionItem {
	t.Helper()
	ctx := context.Background()
	if _, err := f.executions.Enqueue(ctx, &queue.ExecutionItem{
		TicketID:         ticketID,
		TicketIdentifier: strings.ToUpper(ticketID),
		Prompt:           "implement it",
	}); err != nil {
		t.Fatalf("enqueue execution: %v", err)
	}
	item, err := f.executions.ClaimNext(ctx)
	if err != nil || item == nil {
		t.Fatalf("claim execution: %v, %v", item, err)
	}
	return item
}

func syncStateItems(t *testing.T, f *workerFixture, ticketID string) []queue.TicketItem {
	t.Helper()
	items, err := f.tickets.List(context.Background(), queue.Filter{
		TicketID: ticketID, TaskType: queue.TaskSyncState,
	})
	if err != nil {
		t.Fatalf("list sync_state items: %v", err)
	}
	return items
}

func TestWorker_SuccessfulRun(t *testing.T) {
	spawner := &fakeSpawner{instant: true}
	f := newWorkerFixture(t, spawner, time.Minute)
	ctx := context.Background()
	item := claimExecution(t, f, "t-1")

	f.worker.Run(ctx, item, nil)

	got, err := f.executions.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.BranchName != "task-agent/t-1" {
		t.Errorf("branch = %q, want task-agent/t-1", got.BranchName)
	}
	if got.WorktreePath == "" || got.AgentSessionID == "" {
		t.Errorf("workspace not recorded: path=%q session=%q", got.WorktreePath, got.AgentSessionID)
	}
	if got.PRURL != got.BranchName {
		t.Errorf("result ref = %q, want the branch", got.PRURL)
	}

	// The agent ran inside the worktree with the queued prompt.
	if len(spawner.reqs) != 1 {
		t.Fatalf("spawned %d agents, want 1", len(spawner.reqs))
	}
	req := spawner.reqs[0]
	if req.Prompt != "implement it" {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if req.Dir != got.WorktreePath {
		t.Errorf("agent dir = %q, want %q", req.Dir, got.WorktreePath)
	}
	if req.SessionID != got.AgentSessionID {
		t.Errorf("session = %q, want %q", req.SessionID, got.AgentSessionID)
	}

	// Outcome synced back through the pipeline.
	syncs := syncStateItems(t, f, "t-1")
	if len(syncs) != 1 {
		t.Fatalf("sync_state items = %d, want 1", len(syncs))
	}
	state := syncs[0].Input.SyncState
	if state == nil || state.Outcome != "completed" || state.ResultRef != got.BranchName {
		t.Errorf("sync payload = %+v", state)
	}

	// Worktree cleanup always runs.
	if !f.runner.called("worktree remove") {
		t.Errorf("worktree not removed; calls = %v", f.runner.calls)
	}
}

func TestWorker_AgentFailureRetries(t *testing.T) {
	spawner := &fakeSpawner{instant: true, waitErr: errors.New("exit status 1")}
	f := newWorkerFixture(t, spawner, time.Minute)
	ctx := context.Background()
	item := claimExecution(t, f, "t-1")

	f.worker.Run(ctx, item, nil)

	got, err := f.executions.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %q, want pending (retryable)", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if !strings.Contains(got.ErrorMessage, "exit status 1") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	// A retryable failure does not sync an outcome.
	if syncs := syncStateItems(t, f, "t-1"); len(syncs) != 0 {
		t.Errorf("sync_state items = %d, want 0", len(syncs))
	}

	// Cleanup still ran.
	if !f.runner.called("worktree remove") {
		t.Error("worktree not removed after failure")
	}
}

func TestWorker_TerminalFailureSyncs(t *testing.T) {
	spawner := &fakeSpawner{instant: true, waitErr: errors.New("exit status 1")}
	f := newWorkerFixture(t, spawner, time.Minute)
	ctx := context.Background()
	item := claimExecution(t, f, "t-1")

	// Burn the budget: each failed attempt is claimed and run again.
	f.worker.Run(ctx, item, nil)
	for i := 0; i < queue.DefaultExecutionMaxRetries; i++ {
		next, err := f.executions.ClaimNext(ctx)
		if err != nil || next == nil {
			t.Fatalf("reclaim #%d: %v, %v", i, next, err)
		}
		f.worker.Run(ctx, next, nil)
	}

	got, err := f.executions.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}

	syncs := syncStateItems(t, f, "t-1")
	if len(syncs) != 1 {
		t.Fatalf("sync_state items = %d, want 1", len(syncs))
	}
	state := syncs[0].Input.SyncState
	if state == nil || state.Outcome != "failed" || !strings.Contains(state.Error, "exit status 1") {
		t.Errorf("sync payload = %+v", state)
	}
}

func TestWorker_SpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{spawnErr: errors.New("executable not found")}
	f := newWorkerFixture(t, spawner, time.Minute)
	ctx := context.Background()
	item := claimExecution(t, f, "t-1")

	f.worker.Run(ctx, item, nil)

	got, err := f.executions.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "executable not found") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if !f.runner.called("worktree remove") {
		t.Error("worktree not removed after spawn failure")
	}
}

func TestWorker_Timeout(t *testing.T) {
	spawner := &fakeSpawner{} // never releases: the agent hangs
	f := newWorkerFixture(t, spawner, 50*time.Millisecond)
	ctx := context.Background()
	item := claimExecution(t, f, "t-1")

	f.worker.Run(ctx, item, nil)

	got, err := f.executions.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "timed out") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestWorker_ShutdownLeavesItemProcessing(t *testing.T) {
	spawner := &fakeSpawner{}
	f := newWorkerFixture(t, spawner, time.Minute)
	item := claimExecution(t, f, "t-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx, item, nil)
		close(done)
	}()

	waitFor(t, "agent spawned", func() bool { return spawner.spawned() == 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	// The item stays processing; restart reconciliation requeues it.
	got, err := f.executions.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != queue.StatusProcessing {
		t.Errorf("status = %q, want processing", got.Status)
	}
	if !f.runner.called("worktree remove") {
		t.Error("worktree not removed on shutdown")
	}
}

func TestWorker_CancellationKillsRunningAgent(t *testing.T) {
	spawner := &fakeSpawner{}
	f := newWorkerFixture(t, spawner, time.Minute)
	f.worker.cancelPoll = 10 * time.Millisecond
	ctx := context.Background()
	item := claimExecution(t, f, "t-1")

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx, item, nil)
		close(done)
	}()

	waitFor(t, "agent spawned", func() bool { return spawner.spawned() == 1 })

	// The cancel command flips the row while the agent is still running.
	if _, err := f.executions.Cancel(ctx, "t-1"); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	select {
	case <-spawner.proc(0).killed:
	default:
		t.Error("agent process still running after cancellation")
	}

	got, err := f.executions.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != queue.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	// Cancellation is not an outcome to report back to the tracker.
	if items := syncStateItems(t, f, "t-1"); len(items) != 0 {
		t.Errorf("sync_state items = %d, want 0", len(items))
	}
	if !f.runner.called("worktree remove") {
		t.Error("worktree not removed after cancellation")
	}
}
