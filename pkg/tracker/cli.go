package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"taskagent/pkg/queue"
)

// CommandRunner abstracts command execution for testability. Production
// implementation uses os/exec; tests provide a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CLISource implements Source by shelling out to a tracker CLI. Every
// subcommand takes --json and prints a single JSON document, so the daemon
// stays agnostic of which tracker sits behind the executable.
type CLISource struct {
	command string
	runner  CommandRunner
}

// NewCLISource creates a CLISource invoking the given executable.
func NewCLISource(command string, runner CommandRunner) *CLISource {
	return &CLISource{command: command, runner: runner}
}

// Ready runs `<cmd> ready --json`.
func (s *CLISource) Ready(ctx context.Context) ([]Ticket, error) {
	out, err := s.runner.Run(ctx, s.command, "ready", "--json")
	if err != nil {
		return nil, fmt.Errorf("%s ready: %w", s.command, err)
	}
	var tickets []Ticket
	if err := json.Unmarshal(out, &tickets); err != nil {
		return nil, fmt.Errorf("parse %s ready output: %w", s.command, err)
	}
	return tickets, nil
}

// Evaluate runs `<cmd> evaluate <id> --json`.
func (s *CLISource) Evaluate(ctx context.Context, t Ticket) (*Evaluation, error) {
	out, err := s.runner.Run(ctx, s.command, "evaluate", t.ID, "--json")
	if err != nil {
		return nil, fmt.Errorf("%s evaluate %s: %w", s.command, t.ID, err)
	}
	var eval Evaluation
	if err := json.Unmarshal(out, &eval); err != nil {
		return nil, fmt.Errorf("parse %s evaluate output: %w", s.command, err)
	}
	return &eval, nil
}

// Refine runs `<cmd> refine <id> --json`.
func (s *CLISource) Refine(ctx context.Context, ticketID, summary string) (*Refinement, error) {
	out, err := s.runner.Run(ctx, s.command, "refine", ticketID, "--summary="+summary, "--json")
	if err != nil {
		return nil, fmt.Errorf("%s refine %s: %w", s.command, ticketID, err)
	}
	var ref Refinement
	if err := json.Unmarshal(out, &ref); err != nil {
		return nil, fmt.Errorf("parse %s refine output: %w", s.command, err)
	}
	return &ref, nil
}

// GeneratePrompt runs `<cmd> prompt <id> --json`.
func (s *CLISource) GeneratePrompt(ctx context.Context, ticketID, refined string) (string, error) {
	out, err := s.runner.Run(ctx, s.command, "prompt", ticketID, "--json")
	if err != nil {
		return "", fmt.Errorf("%s prompt %s: %w", s.command, ticketID, err)
	}
	var resp struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("parse %s prompt output: %w", s.command, err)
	}
	if resp.Prompt == "" {
		return "", fmt.Errorf("%s prompt %s: empty prompt", s.command, ticketID)
	}
	return resp.Prompt, nil
}

// Approval runs `<cmd> approval <id> --json`.
func (s *CLISource) Approval(ctx context.Context, ticketID string) (*Approval, error) {
	out, err := s.runner.Run(ctx, s.command, "approval", ticketID, "--json")
	if err != nil {
		return nil, fmt.Errorf("%s approval %s: %w", s.command, ticketID, err)
	}
	var ap Approval
	if err := json.Unmarshal(out, &ap); err != nil {
		return nil, fmt.Errorf("parse %s approval output: %w", s.command, err)
	}
	return &ap, nil
}

// SyncState runs `<cmd> sync <id> --outcome=<outcome> [--result-ref=…] [--error=…]`.
func (s *CLISource) SyncState(ctx context.Context, ticketID string, state queue.SyncStateData) error {
	args := []string{"sync", ticketID, "--outcome=" + state.Outcome}
	if state.ResultRef != "" {
		args = append(args, "--result-ref="+state.ResultRef)
	}
	if state.Error != "" {
		args = append(args, "--error="+state.Error)
	}
	if _, err := s.runner.Run(ctx, s.command, args...); err != nil {
		return fmt.Errorf("%s sync %s: %w", s.command, ticketID, err)
	}
	return nil
}
