// Package queue implements the persistent dual-stage task queue: the ticket
// pipeline queue, the code-execution queue, and the QueueManager façade over
// both. Claim and retry-reset operations are single SQLite transactions so
// that at-most-one-claimant holds even if the single-daemon assumption is
// ever relaxed.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a queue item. Persisted as text and
// validated when read back.
type Status string

// Queue item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is immutable: completed, failed, and cancelled
// items never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskType identifies a stage of the ticket pipeline.
type TaskType string

// Pipeline stages.
const (
	TaskEvaluate       TaskType = "evaluate"
	TaskRefine         TaskType = "refine"
	TaskGeneratePrompt TaskType = "generate_prompt"
	TaskCheckResponse  TaskType = "check_response"
	TaskSyncState      TaskType = "sync_state"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskEvaluate, TaskRefine, TaskGeneratePrompt, TaskCheckResponse, TaskSyncState:
		return true
	}
	return false
}

// Next returns the stage that follows t in the ticket pipeline. check_response
// is the pre-execution terminal stage (promotion into the execution queue is
// the Scheduler's job, gated on approval); sync_state is standalone.
func (t TaskType) Next() (TaskType, bool) {
	switch t {
	case TaskEvaluate:
		return TaskRefine, true
	case TaskRefine:
		return TaskGeneratePrompt, true
	case TaskGeneratePrompt:
		return TaskCheckResponse, true
	default:
		return "", false
	}
}

// Retry budget defaults. Execution attempts are costlier, so their ceiling is
// lower. Both are overridable through configuration.
const (
	DefaultTicketMaxRetries    = 3
	DefaultExecutionMaxRetries = 2
)

// ErrDuplicateItem is returned by Enqueue when an active (pending or
// processing) item already exists for the same key. Callers treat it as a
// no-op, not a hard failure.
var ErrDuplicateItem = errors.New("an active queue item already exists for this ticket")

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = errors.New("queue item not found")

// --- Stage payloads ---

// Payload is the tagged union carried by ticket queue items, keyed by the
// item's task type: exactly the field matching the task type must be set.
// Stored as serialized JSON at rest and validated on read. Stages chain by
// passing the completed output payload forward as the next stage's input, so
// fields accumulate along the pipeline.
type Payload struct {
	Evaluate       *EvaluateData       `json:"evaluate,omitempty"`
	Refine         *RefineData         `json:"refine,omitempty"`
	GeneratePrompt *GeneratePromptData `json:"generate_prompt,omitempty"`
	CheckResponse  *CheckResponseData  `json:"check_response,omitempty"`
	SyncState      *SyncStateData      `json:"sync_state,omitempty"`
}

// EvaluateData carries the ticket text in and the readiness estimate out.
type EvaluateData struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	ReadinessScore *int   `json:"readiness_score,omitempty"`
	Summary        string `json:"summary,omitempty"`
}

// RefineData carries the evaluation summary in and the refined spec out.
type RefineData struct {
	Summary            string   `json:"summary,omitempty"`
	RefinedDescription string   `json:"refined_description,omitempty"`
	OpenQuestions      []string `json:"open_questions,omitempty"`
}

// GeneratePromptData carries the refined spec in and the agent prompt out.
type GeneratePromptData struct {
	RefinedDescription string `json:"refined_description,omitempty"`
	Prompt             string `json:"prompt,omitempty"`
}

// CheckResponseData carries the prompt through the approval gate. Approved is
// the human-in-the-loop signal observed at handler time; ApprovedAt is set
// when the signal carried a timestamp.
type CheckResponseData struct {
	Prompt     string `json:"prompt,omitempty"`
	Approved   bool   `json:"approved"`
	ApprovedAt string `json:"approved_at,omitempty"`
}

// SyncStateData pushes an execution outcome back to the tracker.
type SyncStateData struct {
	Outcome   string `json:"outcome"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Validate checks that the payload field matching taskType is populated.
func (p *Payload) Validate(taskType TaskType) error {
	if p == nil {
		return fmt.Errorf("nil payload for task type %q", taskType)
	}
	var ok bool
	switch taskType {
	case TaskEvaluate:
		ok = p.Evaluate != nil
	case TaskRefine:
		ok = p.Refine != nil
	case TaskGeneratePrompt:
		ok = p.GeneratePrompt != nil
	case TaskCheckResponse:
		ok = p.CheckResponse != nil
	case TaskSyncState:
		ok = p.SyncState != nil
	default:
		return fmt.Errorf("unknown task type %q", taskType)
	}
	if !ok {
		return fmt.Errorf("payload missing %q section", taskType)
	}
	return nil
}

// --- Queue items ---

// TicketItem is one row of the ticket pipeline queue.
type TicketItem struct {
	ID               int64
	TicketID         string
	TicketIdentifier string
	TaskType         TaskType
	Status           Status
	Priority         int // 0 = none (sorted last), 1 = urgent … 4 = low
	ReadinessScore   *int
	RetryCount       int
	MaxRetries       int
	ErrorMessage     string
	Input            *Payload
	Output           *Payload
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// ExecutionItem is one row of the code-execution queue.
type ExecutionItem struct {
	ID               int64
	TicketID         string
	TicketIdentifier string
	Status           Status
	Priority         int
	ReadinessScore   *int
	RetryCount       int
	MaxRetries       int
	ErrorMessage     string
	Prompt           string
	WorktreePath     string
	BranchName       string
	PRURL            string
	AgentSessionID   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status   Status
	TicketID string
	TaskType TaskType
	Limit    int
}
