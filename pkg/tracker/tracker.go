// Package tracker is the interface boundary to the issue-tracker
// collaborators: ticket intake, the evaluation/refinement/prompt operations,
// the human-approval signal, and state sync back to the tracker. The daemon
// core never talks to a tracker directly; it consumes a Source and the stage
// handlers derived from it. Two implementations ship: CLISource shells out to
// a tracker CLI, FileSource reads ticket documents from an intake directory.
package tracker

import (
	"context"

	"taskagent/pkg/queue"
)

// Ticket is one unit of work surfaced by the tracker.
type Ticket struct {
	ID          string `json:"id" yaml:"id"`
	Identifier  string `json:"identifier" yaml:"identifier"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Evaluation is the readiness estimate for a ticket. Scoring internals live
// on the tracker side of this boundary.
type Evaluation struct {
	Score   int    `json:"score" yaml:"score"`
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Refinement is the tracker's refined specification of a ticket.
type Refinement struct {
	Description   string   `json:"description" yaml:"description"`
	OpenQuestions []string `json:"open_questions,omitempty" yaml:"open_questions,omitempty"`
}

// Approval is the human-in-the-loop gate signal, re-polled each tick.
type Approval struct {
	Approved   bool   `json:"approved" yaml:"approved"`
	ApprovedAt string `json:"approved_at,omitempty" yaml:"approved_at,omitempty"`
}

// Source is the consumed tracker interface.
type Source interface {
	// Ready lists tickets ready for pipeline intake.
	Ready(ctx context.Context) ([]Ticket, error)

	// Evaluate produces the readiness estimate for a ticket.
	Evaluate(ctx context.Context, t Ticket) (*Evaluation, error)

	// Refine produces the refined description used to build the prompt.
	Refine(ctx context.Context, ticketID, summary string) (*Refinement, error)

	// GeneratePrompt builds the code-agent prompt from the refined spec.
	GeneratePrompt(ctx context.Context, ticketID, refined string) (string, error)

	// Approval reports the current human-approval signal for a ticket.
	Approval(ctx context.Context, ticketID string) (*Approval, error)

	// SyncState pushes an execution outcome back to the tracker. This is the
	// human-visible surfacing of terminal results, success and failure alike.
	SyncState(ctx context.Context, ticketID string, state queue.SyncStateData) error
}
