// Package scheduler drives the daemon: each tick advances the ticket
// pipeline, promotes approved tickets into the execution queue, and
// dispatches claimed execution items onto the bounded agent pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"taskagent/pkg/agent"
	"taskagent/pkg/eventlog"
	"taskagent/pkg/pipeline"
	"taskagent/pkg/queue"
	"taskagent/pkg/worktree"
)

// Config holds Scheduler configuration.
type Config struct {
	TickInterval time.Duration // Tick period (default 10s).
	BatchSize    int           // Pipeline items per tick (default 10).
	MaxAgents    int           // Agent pool capacity (default 2).
}

func (c Config) withDefaults() Config {
	out := c
	if out.TickInterval == 0 {
		out.TickInterval = 10 * time.Second
	}
	if out.BatchSize == 0 {
		out.BatchSize = 10
	}
	if out.MaxAgents == 0 {
		out.MaxAgents = 2
	}
	return out
}

// Scheduler owns the tick loop. It is single-threaded: one tick runs at a
// time, and only dispatched workers execute concurrently.
type Scheduler struct {
	cfg       Config
	queues    *queue.Manager
	processor *pipeline.Processor
	worker    *Worker
	worktrees *worktree.Manager
	pool      *AgentPool
	events    *eventlog.Writer

	wake chan struct{}
	wg   sync.WaitGroup
}

// New wires a Scheduler. The pool is sized from cfg.MaxAgents.
func New(cfg Config, queues *queue.Manager, processor *pipeline.Processor,
	worker *Worker, worktrees *worktree.Manager, events *eventlog.Writer) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		queues:    queues,
		processor: processor,
		worker:    worker,
		worktrees: worktrees,
		pool:      NewAgentPool(cfg.MaxAgents),
		events:    events,
		wake:      make(chan struct{}, 1),
	}
}

// Pool exposes the agent pool for monitoring snapshots.
func (s *Scheduler) Pool() *AgentPool { return s.pool }

// Wake returns a channel that triggers an immediate tick when signalled.
// Sends must be non-blocking; the channel has capacity one.
func (s *Scheduler) Wake() chan<- struct{} { return s.wake }

// Run reconciles state left by a prior run, then ticks until ctx is
// cancelled. Shutdown waits for in-flight workers so their cleanup runs.
func (s *Scheduler) Run(ctx context.Context) error {
	recovered, err := s.queues.RecoverAbandoned(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.events.Warnf(ctx, "scheduler", "", "requeued %d items abandoned by a prior run", recovered)
	}
	s.worktrees.PruneOrphans(ctx)

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.wake:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: pipeline stages first, then promotion of
// approved tickets, then dispatch onto free agent slots. The order matters:
// a stage completed this tick can promote this tick, and a promotion this
// tick can dispatch this tick.
func (s *Scheduler) Tick(ctx context.Context) {
	if _, err := s.processor.Run(ctx, s.cfg.BatchSize); err != nil && ctx.Err() == nil {
		s.events.Errorf(ctx, "scheduler", "", "pipeline pass: %v", err)
	}
	s.promoteApproved(ctx)
	s.dispatch(ctx)
}

// promoteApproved inspects each ticket's latest completed approval stage.
// Approved tickets enter the execution queue once, ever; unapproved tickets
// get the approval stage re-enqueued so the signal is polled again next
// tick.
func (s *Scheduler) promoteApproved(ctx context.Context) {
	items, err := s.queues.Tickets().LatestCompleted(ctx, queue.TaskCheckResponse)
	if err != nil {
		s.events.Errorf(ctx, "scheduler", "", "list approval results: %v", err)
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if item.Output == nil || item.Output.CheckResponse == nil {
			continue
		}
		resp := item.Output.CheckResponse

		// A cancellation or an exhausted retry budget on a newer check parks
		// the gate for good; only a fresh pipeline reopens it.
		parked, err := s.queues.Tickets().HasTerminalSince(ctx, item.TicketID, queue.TaskCheckResponse, item.ID)
		if err != nil {
			s.events.Errorf(ctx, "scheduler", item.TicketID, "check approval gate state: %v", err)
			continue
		}
		if parked {
			continue
		}

		if !resp.Approved {
			s.repollApproval(ctx, &item)
			continue
		}

		promoted, err := s.queues.Executions().ExistsForTicket(ctx, item.TicketID)
		if err != nil {
			s.events.Errorf(ctx, "scheduler", item.TicketID, "check prior execution: %v", err)
			continue
		}
		if promoted {
			continue
		}

		_, enqueued, err := s.queues.EnqueueExecution(ctx, &queue.ExecutionItem{
			TicketID:         item.TicketID,
			TicketIdentifier: item.TicketIdentifier,
			Priority:         item.Priority,
			ReadinessScore:   item.ReadinessScore,
			Prompt:           resp.Prompt,
		})
		if err != nil {
			s.events.Errorf(ctx, "scheduler", item.TicketID, "promote to execution: %v", err)
			continue
		}
		if enqueued {
			s.events.Infof(ctx, "scheduler", item.TicketID,
				"%s approved, queued for execution", item.TicketIdentifier)
		}
	}
}

// repollApproval queues another approval check for a still-unapproved
// ticket. The one-active-item constraint paces this to a single pending
// check at a time.
func (s *Scheduler) repollApproval(ctx context.Context, item *queue.TicketItem) {
	_, _, err := s.queues.EnqueueTicket(ctx, &queue.TicketItem{
		TicketID:         item.TicketID,
		TicketIdentifier: item.TicketIdentifier,
		TaskType:         queue.TaskCheckResponse,
		Priority:         item.Priority,
		ReadinessScore:   item.ReadinessScore,
		Input:            item.Output,
	})
	if err != nil {
		s.events.Errorf(ctx, "scheduler", item.TicketID, "requeue approval check: %v", err)
	}
}

// dispatch claims execution items while free agent slots remain and hands
// each to a worker goroutine. Items stay pending when the pool is full.
func (s *Scheduler) dispatch(ctx context.Context) {
	for s.pool.Available() > 0 {
		if ctx.Err() != nil {
			return
		}
		item, err := s.queues.Executions().ClaimNext(ctx)
		if err != nil {
			s.events.Errorf(ctx, "scheduler", "", "claim execution item: %v", err)
			return
		}
		if item == nil {
			return
		}

		buf := agent.NewLineBuffer(0)
		if !s.pool.Acquire(item, buf) {
			// Lost the slot between Available and Acquire; put the claim
			// back without charging the retry budget.
			if err := s.queues.Executions().ReleaseClaim(ctx, item.ID); err != nil {
				s.events.Errorf(ctx, "scheduler", item.TicketID, "release claimed item: %v", err)
			}
			return
		}

		s.wg.Add(1)
		go func(item *queue.ExecutionItem, buf *agent.LineBuffer) {
			defer s.wg.Done()
			defer s.pool.Release(item.ID)
			s.worker.Run(ctx, item, buf)
		}(item, buf)
	}
}
