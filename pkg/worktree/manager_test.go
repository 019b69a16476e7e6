package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records git invocations and returns scripted results.
type fakeRunner struct {
	calls   []string
	outputs map[string][]byte
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string][]byte{},
		errs:    map[string]error{},
	}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for key, err := range f.errs {
		if strings.Contains(call, key) {
			return nil, err
		}
	}
	for key, out := range f.outputs {
		if strings.Contains(call, key) {
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) called(fragment string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TASK-123", "task-123"},
		{"Feature/Login Form", "featureloginform"},
		{"task_456", "task456"},
		{"  ABC-9  ", "abc-9"},
		{"---", "---"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestManager_Create(t *testing.T) {
	repo := t.TempDir()
	runner := newFakeRunner()
	m := NewManager(repo, "", runner)

	wt, err := m.Create(context.Background(), "TASK-123")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	wantPath := filepath.Join(repo, ".task-agent", "worktrees", "task-123")
	if wt.Path != wantPath {
		t.Errorf("path = %q, want %q", wt.Path, wantPath)
	}
	if wt.Branch != "task-agent/task-123" {
		t.Errorf("branch = %q, want task-agent/task-123", wt.Branch)
	}

	wantCall := fmt.Sprintf("git -C %s worktree add %s -b task-agent/task-123", repo, wantPath)
	if len(runner.calls) != 1 || runner.calls[0] != wantCall {
		t.Errorf("calls = %v, want [%s]", runner.calls, wantCall)
	}
}

func TestManager_CreateEmptySlug(t *testing.T) {
	m := NewManager(t.TempDir(), "", newFakeRunner())
	if _, err := m.Create(context.Background(), "!!!"); err == nil {
		t.Error("Create() with empty slug succeeded, want error")
	}
}

func TestManager_CreateTwiceRemovesFirst(t *testing.T) {
	repo := t.TempDir()
	runner := newFakeRunner()
	m := NewManager(repo, "", runner)
	ctx := context.Background()

	first, err := m.Create(ctx, "TASK-1")
	if err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	// Simulate git having created the worktree directory.
	if err := os.MkdirAll(first.Path, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	second, err := m.Create(ctx, "TASK-1")
	if err != nil {
		t.Fatalf("second Create() error: %v", err)
	}
	if second.Path != first.Path {
		t.Errorf("second path = %q, want %q", second.Path, first.Path)
	}

	// The stale workspace was torn down before the recreate: forced git
	// removal and branch deletion both ran.
	if !runner.called("worktree remove " + first.Path + " --force") {
		t.Errorf("stale worktree not removed; calls = %v", runner.calls)
	}
	if !runner.called("branch -D task-agent/task-1") {
		t.Errorf("stale branch not deleted; calls = %v", runner.calls)
	}
}

func TestManager_RemoveFallsBackToPrune(t *testing.T) {
	repo := t.TempDir()
	runner := newFakeRunner()
	runner.errs["worktree remove"] = errors.New("fatal: working trees containing submodules cannot be removed")
	m := NewManager(repo, "", runner)
	ctx := context.Background()

	// Directory exists on disk but git refuses to remove it.
	path := filepath.Join(m.Root(), "task-1")
	if err := os.MkdirAll(path, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m.Remove(ctx, "TASK-1")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("worktree directory still present after fallback removal")
	}
	if !runner.called("worktree prune") {
		t.Errorf("prune not run after failed removal; calls = %v", runner.calls)
	}
	if !runner.called("branch -D task-agent/task-1") {
		t.Errorf("branch deletion not attempted; calls = %v", runner.calls)
	}
}

func TestManager_RemoveAfterOutOfBandDeletion(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["worktree remove"] = errors.New("fatal: not a working tree")
	m := NewManager(t.TempDir(), "", runner)

	// Nothing on disk, git errors; Remove must still not panic or fail.
	m.Remove(context.Background(), "TASK-9")

	if !runner.called("worktree prune") {
		t.Errorf("prune not run; calls = %v", runner.calls)
	}
}

func TestManager_List(t *testing.T) {
	repo := t.TempDir()
	runner := newFakeRunner()
	m := NewManager(repo, "", runner)

	inside := filepath.Join(m.Root(), "task-1")
	porcelain := fmt.Sprintf(
		"worktree %s\nHEAD abc123\nbranch refs/heads/main\n\nworktree %s\nHEAD def456\nbranch refs/heads/task-agent/task-1\n",
		repo, inside)
	runner.outputs["worktree list"] = []byte(porcelain)

	paths, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(paths) != 1 || paths[0] != inside {
		t.Errorf("List() = %v, want [%s]", paths, inside)
	}
}

func TestManager_PruneOrphans(t *testing.T) {
	repo := t.TempDir()
	runner := newFakeRunner()
	m := NewManager(repo, "", runner)
	ctx := context.Background()

	orphan := filepath.Join(m.Root(), "task-7")
	if err := os.MkdirAll(orphan, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	runner.outputs["worktree list"] = []byte("worktree " + orphan + "\n")

	m.PruneOrphans(ctx)

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan directory still present")
	}
	if !runner.called("worktree remove " + orphan) {
		t.Errorf("orphan worktree not removed via git; calls = %v", runner.calls)
	}
	if !runner.called("worktree prune") {
		t.Errorf("final prune not run; calls = %v", runner.calls)
	}
}
