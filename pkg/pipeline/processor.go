// Package pipeline drives the ticket-pipeline queue. The Processor claims
// pending items and invokes externally supplied stage handlers; the scoring
// and tracker logic behind those handlers is not this package's concern.
package pipeline

import (
	"context"
	"fmt"

	"taskagent/pkg/eventlog"
	"taskagent/pkg/queue"
)

// Handler executes one pipeline stage for one item. It receives the item's
// input payload and returns the output payload to persist. A returned error
// is recorded via MarkFailed and retried up to the item's budget.
type Handler func(ctx context.Context, item *queue.TicketItem) (*queue.Payload, error)

// Processor applies stage handlers to claimed ticket items. It holds no
// cross-item locks; throughput scales by raising BatchSize, not by
// overlapping ticks.
type Processor struct {
	tickets  *queue.TicketQueue
	handlers map[queue.TaskType]Handler
	events   *eventlog.Writer
}

// New creates a Processor over the ticket queue with the given handler set.
func New(tickets *queue.TicketQueue, handlers map[queue.TaskType]Handler, events *eventlog.Writer) *Processor {
	return &Processor{
		tickets:  tickets,
		handlers: handlers,
		events:   events,
	}
}

// Run performs one processing pass: up to batchSize claims, each handled to a
// terminal mark before the next claim. Returns the number of items handled.
func (p *Processor) Run(ctx context.Context, batchSize int) (int, error) {
	handled := 0
	for handled < batchSize {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		item, err := p.tickets.ClaimNext(ctx)
		if err != nil {
			return handled, fmt.Errorf("processor claim: %w", err)
		}
		if item == nil {
			return handled, nil
		}
		p.process(ctx, item)
		handled++
	}
	return handled, nil
}

// process runs the handler for one claimed item and records the outcome.
func (p *Processor) process(ctx context.Context, item *queue.TicketItem) {
	handler, ok := p.handlers[item.TaskType]
	if !ok {
		p.fail(ctx, item, fmt.Sprintf("no handler registered for task type %q", item.TaskType))
		return
	}

	output, err := handler(ctx, item)
	if err != nil {
		p.fail(ctx, item, err.Error())
		return
	}
	if err := output.Validate(item.TaskType); err != nil {
		p.fail(ctx, item, fmt.Sprintf("handler output: %v", err))
		return
	}

	if err := p.tickets.MarkCompleted(ctx, item.ID, output); err != nil {
		p.events.Errorf(ctx, "pipeline", item.TicketID, "mark %s completed: %v", item.TaskType, err)
		return
	}
	p.events.Infof(ctx, "pipeline", item.TicketID, "%s completed for %s", item.TaskType, item.TicketIdentifier)

	p.enqueueNext(ctx, item, output)
}

// enqueueNext chains the completed stage into its successor, carrying the
// output payload forward as the next stage's input. Readiness produced by the
// evaluate stage is propagated onto subsequent items so claim ordering sees
// it.
func (p *Processor) enqueueNext(ctx context.Context, item *queue.TicketItem, output *queue.Payload) {
	next, ok := item.TaskType.Next()
	if !ok {
		return
	}

	readiness := item.ReadinessScore
	if output.Evaluate != nil && output.Evaluate.ReadinessScore != nil {
		readiness = output.Evaluate.ReadinessScore
	}

	_, err := p.tickets.Enqueue(ctx, &queue.TicketItem{
		TicketID:         item.TicketID,
		TicketIdentifier: item.TicketIdentifier,
		TaskType:         next,
		Priority:         item.Priority,
		ReadinessScore:   readiness,
		Input:            output,
	})
	if err == queue.ErrDuplicateItem {
		// The stage is already queued for this ticket; nothing to do.
		return
	}
	if err != nil {
		p.events.Errorf(ctx, "pipeline", item.TicketID, "enqueue %s: %v", next, err)
	}
}

// fail records a stage failure. When the retry budget is exhausted the item
// goes terminal and the failure is surfaced on the event stream at error
// level so a human sees it, not only the log.
func (p *Processor) fail(ctx context.Context, item *queue.TicketItem, msg string) {
	if err := p.tickets.MarkFailed(ctx, item.ID, msg); err != nil {
		p.events.Errorf(ctx, "pipeline", item.TicketID, "mark %s failed: %v", item.TaskType, err)
		return
	}

	after, err := p.tickets.Get(ctx, item.ID)
	if err != nil {
		p.events.Errorf(ctx, "pipeline", item.TicketID, "reload failed item: %v", err)
		return
	}
	if after.Status == queue.StatusFailed {
		p.events.Errorf(ctx, "pipeline", item.TicketID,
			"%s failed terminally after %d attempts: %s", item.TaskType, after.RetryCount, msg)
	} else {
		p.events.Warnf(ctx, "pipeline", item.TicketID,
			"%s failed (retry %d/%d): %s", item.TaskType, after.RetryCount, after.MaxRetries, msg)
	}
}
