// Package worktree manages the isolated per-ticket git workspaces that
// execution attempts run in. All git operations go through the narrow
// CommandRunner port so scheduling logic is testable against a fake.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BranchPrefix is the git branch prefix for agent worktrees.
const BranchPrefix = "task-agent/"

// CommandRunner abstracts command execution for testability. The production
// implementation uses os/exec; tests provide a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Worktree describes one created workspace.
type Worktree struct {
	Path   string
	Branch string
}

// Manager creates and destroys git worktrees under a single managed root.
// A worktree is exclusively owned by one in-flight execution attempt; the
// idempotent Create contract (force-remove then recreate) keeps that true
// even across daemon restarts or retried attempts.
type Manager struct {
	repoRoot string
	root     string
	runner   CommandRunner
}

// NewManager returns a Manager rooted at repoRoot. root is where worktree
// directories live; empty means <repoRoot>/.task-agent/worktrees.
func NewManager(repoRoot, root string, runner CommandRunner) *Manager {
	if root == "" {
		root = filepath.Join(repoRoot, ".task-agent", "worktrees")
	}
	return &Manager{
		repoRoot: repoRoot,
		root:     root,
		runner:   runner,
	}
}

// Root returns the managed worktree root directory.
func (m *Manager) Root() string { return m.root }

// Slug derives the filesystem/branch-safe identifier from a ticket
// identifier: lower-cased, restricted to alphanumerics and hyphens.
func Slug(ticketIdentifier string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ticketIdentifier) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Create builds a fresh worktree for the ticket at <root>/<slug> on a new
// branch task-agent/<slug>. Any workspace already present at that path is
// force-removed first, so two consecutive creates leave exactly one worktree
// and the first invocation's branch gone.
func (m *Manager) Create(ctx context.Context, ticketIdentifier string) (*Worktree, error) {
	slug := Slug(ticketIdentifier)
	if slug == "" {
		return nil, fmt.Errorf("ticket identifier %q reduces to an empty slug", ticketIdentifier)
	}

	path := filepath.Join(m.root, slug)
	branch := BranchPrefix + slug

	if _, err := os.Stat(path); err == nil {
		m.Remove(ctx, ticketIdentifier)
	}
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}

	_, err := m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"worktree", "add", path, "-b", branch)
	if err != nil {
		return nil, fmt.Errorf("worktree add %s: %w", slug, err)
	}

	return &Worktree{Path: path, Branch: branch}, nil
}

// Remove tears down the ticket's worktree. It tries a clean forced git
// removal first; on failure it falls back to deleting the directory and
// pruning git's internal bookkeeping. Branch deletion is attempted last and
// its absence is not an error. Remove never reports failure upward: cleanup
// must not block forward progress.
func (m *Manager) Remove(ctx context.Context, ticketIdentifier string) {
	slug := Slug(ticketIdentifier)
	if slug == "" {
		return
	}
	path := filepath.Join(m.root, slug)

	_, err := m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"worktree", "remove", path, "--force")
	if err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.runner.Run(ctx, "git", "-C", m.repoRoot, "worktree", "prune")
	}

	_, _ = m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"branch", "-D", BranchPrefix+slug)
}

// List enumerates existing worktrees, filtered to those under the managed
// root. Used at startup to reconcile workspaces orphaned by a prior crash.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	out, err := m.runner.Run(ctx, "git", "-C", m.repoRoot,
		"worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		path, ok := strings.CutPrefix(line, "worktree ")
		if !ok {
			continue
		}
		path = strings.TrimSpace(path)
		if strings.HasPrefix(path, m.root+string(filepath.Separator)) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// PruneOrphans removes every worktree left under the managed root. Nothing
// is in flight at startup, so anything found here was leaked by a crash.
// Best-effort like Remove; the directory sweep catches what git cannot see.
func (m *Manager) PruneOrphans(ctx context.Context) {
	paths, err := m.List(ctx)
	if err == nil {
		for _, p := range paths {
			m.Remove(ctx, filepath.Base(p))
		}
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		// Missing root means nothing to clean.
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = os.RemoveAll(filepath.Join(m.root, entry.Name()))
	}
	_, _ = m.runner.Run(ctx, "git", "-C", m.repoRoot, "worktree", "prune")
}
