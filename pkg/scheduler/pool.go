package scheduler

import (
	"sync"
	"time"

	"taskagent/pkg/agent"
	"taskagent/pkg/queue"
)

// WorkerSnapshot is a point-in-time view of one running execution attempt.
type WorkerSnapshot struct {
	ExecutionID      int64
	TicketID         string
	TicketIdentifier string
	StartedAt        time.Time
	RecentOutput     []string
}

// AgentPool bounds the number of concurrently running agent subprocesses and
// tracks what each slot is working on.
type AgentPool struct {
	mu       sync.Mutex
	capacity int
	active   map[int64]*activeWorker
}

type activeWorker struct {
	ticketID         string
	ticketIdentifier string
	startedAt        time.Time
	buffer           *agent.LineBuffer
}

// NewAgentPool creates a pool with the given capacity. Capacity below 1 is
// raised to 1.
func NewAgentPool(capacity int) *AgentPool {
	if capacity < 1 {
		capacity = 1
	}
	return &AgentPool{
		capacity: capacity,
		active:   make(map[int64]*activeWorker),
	}
}

// Capacity returns the pool's slot count.
func (p *AgentPool) Capacity() int { return p.capacity }

// Available returns the number of free slots.
func (p *AgentPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.active)
}

// Acquire claims a slot for the execution item. Returns false when the pool
// is full or the item already holds a slot.
func (p *AgentPool) Acquire(item *queue.ExecutionItem, buf *agent.LineBuffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) >= p.capacity {
		return false
	}
	if _, ok := p.active[item.ID]; ok {
		return false
	}
	p.active[item.ID] = &activeWorker{
		ticketID:         item.TicketID,
		ticketIdentifier: item.TicketIdentifier,
		startedAt:        time.Now(),
		buffer:           buf,
	}
	return true
}

// Release frees the slot held by the execution item. Releasing an unheld
// slot is a no-op.
func (p *AgentPool) Release(executionID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, executionID)
}

// Snapshots returns a view of every occupied slot, including the tail of
// each agent's output stream.
func (p *AgentPool) Snapshots() []WorkerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(p.active))
	for id, w := range p.active {
		snap := WorkerSnapshot{
			ExecutionID:      id,
			TicketID:         w.ticketID,
			TicketIdentifier: w.ticketIdentifier,
			StartedAt:        w.startedAt,
		}
		if w.buffer != nil {
			snap.RecentOutput = w.buffer.Lines()
		}
		out = append(out, snap)
	}
	return out
}
