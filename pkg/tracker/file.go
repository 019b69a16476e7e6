package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"taskagent/pkg/queue"
)

// ticketDoc is the YAML ticket document dropped into the intake directory by
// the tracker-side poller. Approval is carried in the document itself and
// re-read on every Approval call, so editing the file is the approval action.
type ticketDoc struct {
	ID                 string `yaml:"id"`
	Identifier         string `yaml:"identifier"`
	Title              string `yaml:"title"`
	Description        string `yaml:"description,omitempty"`
	Priority           int    `yaml:"priority,omitempty"`
	ReadinessScore     *int   `yaml:"readiness_score,omitempty"`
	Summary            string `yaml:"summary,omitempty"`
	RefinedDescription string `yaml:"refined_description,omitempty"`
	Prompt             string `yaml:"prompt,omitempty"`
	Approved           bool   `yaml:"approved,omitempty"`
	ApprovedAt         string `yaml:"approved_at,omitempty"`
}

// resultDoc is written beside the ticket document after execution.
type resultDoc struct {
	TicketID  string `yaml:"ticket_id"`
	Outcome   string `yaml:"outcome"`
	ResultRef string `yaml:"result_ref,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

// defaultReadinessScore is used when an intake document carries no score.
const defaultReadinessScore = 50

// FileSource implements Source over a directory of YAML ticket documents.
type FileSource struct {
	dir string
}

// NewFileSource creates a FileSource over the given intake directory.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Dir returns the intake directory (watched by the daemon for changes).
func (s *FileSource) Dir() string { return s.dir }

// Ready lists every ticket document in the intake directory, sorted by id
// for deterministic intake order.
func (s *FileSource) Ready(_ context.Context) ([]Ticket, error) {
	docs, err := s.load()
	if err != nil {
		return nil, err
	}

	tickets := make([]Ticket, 0, len(docs))
	for _, doc := range docs {
		tickets = append(tickets, Ticket{
			ID:          doc.ID,
			Identifier:  doc.Identifier,
			Title:       doc.Title,
			Description: doc.Description,
			Priority:    doc.Priority,
		})
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID < tickets[j].ID })
	return tickets, nil
}

// Evaluate returns the document's readiness score, or the default when the
// document carries none.
func (s *FileSource) Evaluate(_ context.Context, t Ticket) (*Evaluation, error) {
	doc, err := s.find(t.ID)
	if err != nil {
		return nil, err
	}

	score := defaultReadinessScore
	if doc.ReadinessScore != nil {
		score = *doc.ReadinessScore
	}
	summary := doc.Summary
	if summary == "" {
		summary = doc.Title
	}
	return &Evaluation{Score: score, Summary: summary}, nil
}

// Refine returns the document's refined description, falling back to the
// raw description.
func (s *FileSource) Refine(_ context.Context, ticketID, summary string) (*Refinement, error) {
	doc, err := s.find(ticketID)
	if err != nil {
		return nil, err
	}

	refined := doc.RefinedDescription
	if refined == "" {
		refined = doc.Description
	}
	if refined == "" {
		refined = summary
	}
	return &Refinement{Description: refined}, nil
}

// GeneratePrompt returns the document's prompt override or builds one from
// the ticket text.
func (s *FileSource) GeneratePrompt(_ context.Context, ticketID, refined string) (string, error) {
	doc, err := s.find(ticketID)
	if err != nil {
		return "", err
	}
	if doc.Prompt != "" {
		return doc.Prompt, nil
	}
	return fmt.Sprintf("Implement %s: %s\n\n%s", doc.Identifier, doc.Title, refined), nil
}

// Approval re-reads the document and reports its approved field.
func (s *FileSource) Approval(_ context.Context, ticketID string) (*Approval, error) {
	doc, err := s.find(ticketID)
	if err != nil {
		return nil, err
	}
	return &Approval{Approved: doc.Approved, ApprovedAt: doc.ApprovedAt}, nil
}

// SyncState writes a result document beside the ticket document.
func (s *FileSource) SyncState(_ context.Context, ticketID string, state queue.SyncStateData) error {
	doc, err := s.find(ticketID)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(resultDoc{
		TicketID:  ticketID,
		Outcome:   state.Outcome,
		ResultRef: state.ResultRef,
		Error:     state.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", ticketID, err)
	}

	path := filepath.Join(s.dir, doc.Identifier+".result.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write result for %s: %w", ticketID, err)
	}
	return nil
}

// load parses every ticket document in the intake directory. Result
// documents and unparsable files are skipped.
func (s *FileSource) load() ([]ticketDoc, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read intake dir: %w", err)
	}

	var docs []ticketDoc
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".result.yaml") {
			continue
		}
		if ext := filepath.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var doc ticketDoc
		if err := yaml.Unmarshal(data, &doc); err != nil || doc.ID == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *FileSource) find(ticketID string) (*ticketDoc, error) {
	docs, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].ID == ticketID {
			return &docs[i], nil
		}
	}
	return nil, fmt.Errorf("ticket %s not found in intake dir %s", ticketID, s.dir)
}
