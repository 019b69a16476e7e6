package tracker

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskagent/pkg/eventlog"
	"taskagent/pkg/queue"
)

// Ingestor default intervals.
const (
	DefaultPollInterval     = 10 * time.Second
	DefaultFallbackInterval = 60 * time.Second
)

// Ingestor pulls ready tickets from the Source and seeds the ticket pipeline
// with an evaluate item per ticket. Each ticket is seeded exactly once; a
// ticket with any pipeline history is skipped.
type Ingestor struct {
	src      Source
	tickets  *queue.TicketQueue
	events   *eventlog.Writer
	watchDir string

	pollInterval     time.Duration
	fallbackInterval time.Duration
	wake             chan<- struct{}
}

// IngestorConfig configures the intake loop. WatchDir, when set, is watched
// with fsnotify so file-based intake reacts immediately; polling remains the
// safety net either way.
type IngestorConfig struct {
	WatchDir         string
	PollInterval     time.Duration
	FallbackInterval time.Duration
	// Wake, when non-nil, receives a non-blocking signal after new tickets
	// are enqueued so the scheduler can tick without waiting for its timer.
	Wake chan<- struct{}
}

// NewIngestor creates an Ingestor over the given source and ticket queue.
func NewIngestor(src Source, tickets *queue.TicketQueue, events *eventlog.Writer, cfg IngestorConfig) *Ingestor {
	poll := cfg.PollInterval
	if poll == 0 {
		poll = DefaultPollInterval
	}
	fallback := cfg.FallbackInterval
	if fallback == 0 {
		fallback = DefaultFallbackInterval
	}
	return &Ingestor{
		src:              src,
		tickets:          tickets,
		events:           events,
		watchDir:         cfg.WatchDir,
		pollInterval:     poll,
		fallbackInterval: fallback,
		wake:             cfg.Wake,
	}
}

// Run ingests until ctx is cancelled. With a watch directory it reacts to
// file changes and falls back to a slow poll as a safety net; without one it
// polls at the regular interval.
func (g *Ingestor) Run(ctx context.Context) error {
	g.ingest(ctx)

	if g.watchDir == "" {
		g.runPoll(ctx, g.pollInterval)
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.runPoll(ctx, g.pollInterval)
		return ctx.Err()
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(g.watchDir); err != nil {
		g.runPoll(ctx, g.pollInterval)
		return ctx.Err()
	}

	fallbackTicker := time.NewTicker(g.fallbackInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watcher.Events:
			g.ingest(ctx)
		case err := <-watcher.Errors:
			if err != nil {
				g.events.Warnf(ctx, "intake", "", "watcher error: %v", err)
			}
		case <-fallbackTicker.C:
			g.ingest(ctx)
		}
	}
}

// runPoll is the fallback loop when fsnotify is unavailable or no watch
// directory is configured.
func (g *Ingestor) runPoll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ingest(ctx)
		}
	}
}

// ingest performs one intake pass. Returns the number of tickets seeded.
func (g *Ingestor) ingest(ctx context.Context) int {
	ready, err := g.src.Ready(ctx)
	if err != nil {
		g.events.Warnf(ctx, "intake", "", "list ready tickets: %v", err)
		return 0
	}

	seeded := 0
	for _, t := range ready {
		if ctx.Err() != nil {
			break
		}
		if t.ID == "" {
			continue
		}

		exists, err := g.tickets.ExistsForTicket(ctx, t.ID)
		if err != nil {
			g.events.Errorf(ctx, "intake", t.ID, "check existing pipeline: %v", err)
			continue
		}
		if exists {
			continue
		}

		_, err = g.tickets.Enqueue(ctx, &queue.TicketItem{
			TicketID:         t.ID,
			TicketIdentifier: t.Identifier,
			TaskType:         queue.TaskEvaluate,
			Priority:         t.Priority,
			Input: &queue.Payload{
				Evaluate: &queue.EvaluateData{
					Title:       t.Title,
					Description: t.Description,
				},
			},
		})
		if err == queue.ErrDuplicateItem {
			continue
		}
		if err != nil {
			g.events.Errorf(ctx, "intake", t.ID, "enqueue evaluate: %v", err)
			continue
		}
		g.events.Infof(ctx, "intake", t.ID, "seeded pipeline for %s", t.Identifier)
		seeded++
	}

	if seeded > 0 && g.wake != nil {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
	return seeded
}
