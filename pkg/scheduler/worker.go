package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskagent/pkg/agent"
	"taskagent/pkg/eventlog"
	"taskagent/pkg/queue"
	"taskagent/pkg/worktree"
)

// Worker runs one claimed execution item end to end: create the worktree,
// spawn the agent inside it, wait for the outcome, record it, and enqueue
// the sync_state stage once the item is terminal. Worktree cleanup always
// runs, whatever path the attempt took.
type Worker struct {
	tickets    *queue.TicketQueue
	executions *queue.ExecutionQueue
	worktrees  *worktree.Manager
	spawner    agent.Spawner
	events     *eventlog.Writer
	timeout    time.Duration

	// cancelPoll is how often a running attempt re-reads its queue row to
	// observe an external cancellation.
	cancelPoll time.Duration
}

// defaultCancelPoll bounds how long a cancelled item's agent keeps running.
const defaultCancelPoll = 2 * time.Second

// NewWorker wires a Worker over the queues, worktree manager, and spawner.
// timeout bounds one agent run; zero means 30 minutes.
func NewWorker(tickets *queue.TicketQueue, executions *queue.ExecutionQueue,
	worktrees *worktree.Manager, spawner agent.Spawner, events *eventlog.Writer,
	timeout time.Duration) *Worker {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Worker{
		tickets:    tickets,
		executions: executions,
		worktrees:  worktrees,
		spawner:    spawner,
		events:     events,
		timeout:    timeout,
		cancelPoll: defaultCancelPoll,
	}
}

// Run executes one claimed item. buf receives the agent's output stream for
// monitoring; it may be nil.
func (w *Worker) Run(ctx context.Context, item *queue.ExecutionItem, buf *agent.LineBuffer) {
	// Cleanup uses a fresh context: the worktree must go away even when the
	// attempt ended because ctx was cancelled.
	defer w.worktrees.Remove(context.Background(), item.TicketIdentifier)

	wt, err := w.worktrees.Create(ctx, item.TicketIdentifier)
	if err != nil {
		w.fail(ctx, item, fmt.Sprintf("create worktree: %v", err))
		return
	}

	sessionID := uuid.NewString()
	if err := w.executions.SetWorkspace(ctx, item.ID, wt.Path, wt.Branch, sessionID); err != nil {
		w.fail(ctx, item, fmt.Sprintf("record workspace: %v", err))
		return
	}

	req := agent.Request{
		Prompt:    item.Prompt,
		Dir:       wt.Path,
		SessionID: sessionID,
	}
	if buf != nil {
		req.Output = buf
	}
	proc, err := w.spawner.Spawn(ctx, req)
	if err != nil {
		w.fail(ctx, item, fmt.Sprintf("spawn agent: %v", err))
		return
	}
	w.events.Infof(ctx, "worker", item.TicketID, "agent started for %s in %s", item.TicketIdentifier, wt.Path)

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	poll := time.NewTicker(w.cancelPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown. Kill the agent and leave the item processing; restart
			// reconciliation requeues it with its budget consumed.
			_ = proc.Kill()
			<-done
			w.events.Warnf(context.Background(), "worker", item.TicketID,
				"agent for %s interrupted by shutdown", item.TicketIdentifier)
			return
		case <-poll.C:
			// The cancel command flips the row while the agent runs. The
			// cancellation is complete only after the kill and the deferred
			// worktree cleanup; the row is already terminal, so no mark.
			if !w.itemCancelled(ctx, item.ID) {
				continue
			}
			_ = proc.Kill()
			<-done
			w.events.Warnf(ctx, "worker", item.TicketID,
				"execution cancelled for %s, agent killed", item.TicketIdentifier)
			return
		case <-timer.C:
			_ = proc.Kill()
			<-done
			w.fail(ctx, item, fmt.Sprintf("agent timed out after %s", w.timeout))
			return
		case err := <-done:
			if err != nil {
				w.fail(ctx, item, fmt.Sprintf("agent exited: %v", err))
				return
			}
			if err := w.executions.MarkCompleted(ctx, item.ID, wt.Branch); err != nil {
				w.events.Errorf(ctx, "worker", item.TicketID, "mark execution completed: %v", err)
				return
			}
			w.events.Infof(ctx, "worker", item.TicketID,
				"execution completed for %s on %s", item.TicketIdentifier, wt.Branch)
			w.syncIfTerminal(ctx, item)
			return
		}
	}
}

// itemCancelled re-reads the item and reports whether an external signal has
// cancelled it.
func (w *Worker) itemCancelled(ctx context.Context, id int64) bool {
	after, err := w.executions.Get(ctx, id)
	if err != nil {
		return false
	}
	return after.Status == queue.StatusCancelled
}

// fail applies one failure to the item and reports how it landed.
func (w *Worker) fail(ctx context.Context, item *queue.ExecutionItem, msg string) {
	if err := w.executions.MarkFailed(ctx, item.ID, msg); err != nil {
		w.events.Errorf(ctx, "worker", item.TicketID, "mark execution failed: %v", err)
		return
	}

	after, err := w.executions.Get(ctx, item.ID)
	if err != nil {
		w.events.Errorf(ctx, "worker", item.TicketID, "reload execution item: %v", err)
		return
	}
	if after.Status == queue.StatusFailed {
		w.events.Errorf(ctx, "worker", item.TicketID,
			"execution failed terminally for %s after %d attempts: %s",
			item.TicketIdentifier, after.RetryCount, msg)
	} else {
		w.events.Warnf(ctx, "worker", item.TicketID,
			"execution failed for %s (retry %d/%d): %s",
			item.TicketIdentifier, after.RetryCount, after.MaxRetries, msg)
	}
	w.syncIfTerminal(ctx, item)
}

// syncIfTerminal enqueues the sync_state pipeline stage once the execution
// item has reached a terminal status. Requeued retries do not sync.
func (w *Worker) syncIfTerminal(ctx context.Context, item *queue.ExecutionItem) {
	after, err := w.executions.Get(ctx, item.ID)
	if err != nil {
		w.events.Errorf(ctx, "worker", item.TicketID, "reload execution item: %v", err)
		return
	}
	if !after.Status.Terminal() || after.Status == queue.StatusCancelled {
		return
	}

	state := &queue.SyncStateData{Outcome: string(after.Status)}
	if after.Status == queue.StatusCompleted {
		state.ResultRef = after.PRURL
		if state.ResultRef == "" {
			state.ResultRef = after.BranchName
		}
	} else {
		state.Error = after.ErrorMessage
	}

	_, err = w.tickets.Enqueue(ctx, &queue.TicketItem{
		TicketID:         after.TicketID,
		TicketIdentifier: after.TicketIdentifier,
		TaskType:         queue.TaskSyncState,
		Priority:         after.Priority,
		ReadinessScore:   after.ReadinessScore,
		Input:            &queue.Payload{SyncState: state},
	})
	if err == queue.ErrDuplicateItem {
		return
	}
	if err != nil {
		w.events.Errorf(ctx, "worker", item.TicketID, "enqueue sync_state: %v", err)
	}
}
