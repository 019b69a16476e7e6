package tracker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskagent/pkg/queue"
)

func writeTicketDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestFileSource_ReadySortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeTicketDoc(t, dir, "b.yaml", "id: t-2\nidentifier: TASK-2\ntitle: second\n")
	writeTicketDoc(t, dir, "a.yaml", "id: t-1\nidentifier: TASK-1\ntitle: first\npriority: 1\n")
	writeTicketDoc(t, dir, "task-9.result.yaml", "ticket_id: t-9\noutcome: completed\n")
	writeTicketDoc(t, dir, "notes.txt", "not a ticket")
	writeTicketDoc(t, dir, "broken.yaml", "{{{")
	writeTicketDoc(t, dir, "no-id.yaml", "title: missing id\n")

	src := NewFileSource(dir)
	tickets, err := src.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("Ready() returned %d tickets, want 2: %+v", len(tickets), tickets)
	}
	if tickets[0].ID != "t-1" || tickets[1].ID != "t-2" {
		t.Errorf("tickets not sorted by id: %+v", tickets)
	}
	if tickets[0].Identifier != "TASK-1" || tickets[0].Priority != 1 {
		t.Errorf("ticket fields = %+v", tickets[0])
	}
}

func TestFileSource_ReadyMissingDir(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "nope"))
	tickets, err := src.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error: %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("Ready() = %+v, want empty", tickets)
	}
}

func TestFileSource_EvaluateDefaults(t *testing.T) {
	dir := t.TempDir()
	writeTicketDoc(t, dir, "a.yaml", "id: t-1\nidentifier: TASK-1\ntitle: fix the login form\n")

	src := NewFileSource(dir)
	eval, err := src.Evaluate(context.Background(), Ticket{ID: "t-1"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if eval.Score != defaultReadinessScore {
		t.Errorf("score = %d, want default %d", eval.Score, defaultReadinessScore)
	}
	if eval.Summary != "fix the login form" {
		t.Errorf("summary = %q, want the title", eval.Summary)
	}
}

func TestFileSource_EvaluateFromDocument(t *testing.T) {
	dir := t.TempDir()
	writeTicketDoc(t, dir, "a.yaml",
		"id: t-1\nidentifier: TASK-1\ntitle: fix login\nreadiness_score: 85\nsummary: login is broken\n")

	src := NewFileSource(dir)
	eval, err := src.Evaluate(context.Background(), Ticket{ID: "t-1"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if eval.Score != 85 || eval.Summary != "login is broken" {
		t.Errorf("evaluation = %+v", eval)
	}
}

func TestFileSource_RefineFallbacks(t *testing.T) {
	dir := t.TempDir()
	writeTicketDoc(t, dir, "a.yaml",
		"id: t-1\nidentifier: TASK-1\ntitle: a\nrefined_description: do it carefully\n")
	writeTicketDoc(t, dir, "b.yaml",
		"id: t-2\nidentifier: TASK-2\ntitle: b\ndescription: raw description\n")
	writeTicketDoc(t, dir, "c.yaml", "id: t-3\nidentifier: TASK-3\ntitle: c\n")

	src := NewFileSource(dir)
	ctx := context.Background()

	ref, err := src.Refine(ctx, "t-1", "summary text")
	if err != nil {
		t.Fatalf("Refine(t-1) error: %v", err)
	}
	if ref.Description != "do it carefully" {
		t.Errorf("t-1 refined = %q", ref.Description)
	}

	ref, err = src.Refine(ctx, "t-2", "summary text")
	if err != nil {
		t.Fatalf("Refine(t-2) error: %v", err)
	}
	if ref.Description != "raw description" {
		t.Errorf("t-2 refined = %q", ref.Description)
	}

	ref, err = src.Refine(ctx, "t-3", "summary text")
	if err != nil {
		t.Fatalf("Refine(t-3) error: %v", err)
	}
	if ref.Description != "summary text" {
		t.Errorf("t-3 refined = %q", ref.Description)
	}
}

func TestFileSource_GeneratePrompt(t *testing.T) {
	dir := t.TempDir()
	writeTicketDoc(t, dir, "a.yaml",
		"id: t-1\nidentifier: TASK-1\ntitle: fix login\nprompt: use this exact prompt\n")
	writeTicketDoc(t, dir, "b.yaml", "id: t-2\nidentifier: TASK-2\ntitle: fix logout\n")

	src := NewFileSource(dir)
	ctx := context.Background()

	prompt, err := src.GeneratePrompt(ctx, "t-1", "refined")
	if err != nil {
		t.Fatalf("GeneratePrompt(t-1) error: %v", err)
	}
	if prompt != "use this exact prompt" {
		t.Errorf("prompt override = %q", prompt)
	}

	prompt, err = src.GeneratePrompt(ctx, "t-2", "the refined description")
	if err != nil {
		t.Fatalf("GeneratePrompt(t-2) error: %v", err)
	}
	want := "Implement TASK-2: fix logout\n\nthe refined description"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestFileSource_ApprovalReReadsDocument(t *testing.T) {
	dir := t.TempDir()
	writeTicketDoc(t, dir, "a.yaml", "id: t-1\nidentifier: TASK-1\ntitle: a\n")

	src := NewFileSource(dir)
	ctx := context.Background()

	ap, err := src.Approval(ctx, "t-1")
	if err != nil {
		t.Fatalf("Approval() error: %v", err)
	}
	if ap.Approved {
		t.Fatal("approved before the document said so")
	}

	// Editing the document is the approval action.
	writeTicketDoc(t, dir, "a.yaml",
		"id: t-1\nidentifier: TASK-1\ntitle: a\napproved: true\napproved_at: \"2026-09-01T10:00:00Z\"\n")

	ap, err = src.Approval(ctx, "t-1")
	if err != nil {
		t.Fatalf("Approval() after edit error: %v", err)
	}
	if !ap.Approved || ap.ApprovedAt != "2026-09-01T10:00:00Z" {
		t.Errorf("approval = %+v", ap)
	}
}

func TestFileSource_SyncStateWritesResult(t *testing.T) {
	dir := t.TempDir()
	writeTicketDoc(t, dir, "a.yaml", "id: t-1\nidentifier: TASK-1\ntitle: a\n")

	src := NewFileSource(dir)
	err := src.SyncState(context.Background(), "t-1", queue.SyncStateData{
		Outcome:   "completed",
		ResultRef: "task-agent/task-1",
	})
	if err != nil {
		t.Fatalf("SyncState() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "TASK-1.result.yaml"))
	if err != nil {
		t.Fatalf("result document not written: %v", err)
	}
	body := string(data)
	for _, frag := range []string{"ticket_id: t-1", "outcome: completed", "result_ref: task-agent/task-1"} {
		if !strings.Contains(body, frag) {
			t.Errorf("result document missing %q:\n%s", frag, body)
		}
	}

	// The result document must not feed back into intake.
	tickets, err := src.Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready() error: %v", err)
	}
	if len(tickets) != 1 {
		t.Errorf("Ready() = %d tickets after sync, want 1", len(tickets))
	}
}

func TestFileSource_UnknownTicket(t *testing.T) {
	src := NewFileSource(t.TempDir())
	_, err := src.Evaluate(context.Background(), Ticket{ID: "t-404"})
	if err == nil || !strings.Contains(err.Error(), "t-404 not found") {
		t.Errorf("Evaluate() error = %v, want not-found", err)
	}
}
