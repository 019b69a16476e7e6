// Package agent abstracts the external code-generation agent subprocess.
// The Spawner port keeps the scheduler and worker testable without a real
// agent binary on the host.
package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Request describes one agent invocation, scoped to a worktree directory.
type Request struct {
	Prompt    string
	Dir       string
	SessionID string

	// Output receives the combined stdout/stderr stream of the agent while
	// it runs. May be nil.
	Output io.Writer
}

// Process abstracts a running agent subprocess.
type Process interface {
	// Wait blocks until the subprocess exits; non-zero exit is an error.
	Wait() error
	// Kill terminates the subprocess.
	Kill() error
}

// Spawner starts agent subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, req Request) (Process, error)
}

// ClaudeSpawner implements Spawner by invoking a headless claude subprocess
// in the worktree directory.
type ClaudeSpawner struct {
	// Command is the agent executable; empty means "claude".
	Command string
	// ExtraArgs is appended after the prompt flag.
	ExtraArgs []string
}

// Spawn starts `claude -p <prompt> --session-id <id>` with the worktree as
// working directory.
func (s *ClaudeSpawner) Spawn(ctx context.Context, req Request) (Process, error) {
	command := s.Command
	if command == "" {
		command = "claude"
	}

	args := []string{"-p", req.Prompt}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	args = append(args, s.ExtraArgs...)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = req.Dir
	if req.Output != nil {
		cmd.Stdout = req.Output
		cmd.Stderr = req.Output
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// execProcess wraps exec.Cmd to implement Process.
type execProcess struct {
	cmd *exec.Cmd
}

// Wait waits for the subprocess to exit.
func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	return nil
}

// Kill sends SIGKILL to the subprocess.
func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}
