package agent

import (
	"bytes"
	"strings"
	"sync"
)

// LineBuffer is an io.Writer that retains the most recent lines of agent
// output for monitoring snapshots. Writes are split on newlines; a trailing
// partial line is held back until completed.
type LineBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial bytes.Buffer
}

// NewLineBuffer retains up to max lines; max <= 0 defaults to 50.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = 50
	}
	return &LineBuffer{max: max}
}

// Write implements io.Writer.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		b.append(strings.TrimRight(string(data[:idx]), "\r"))
		b.partial.Next(idx + 1)
	}
	return len(p), nil
}

func (b *LineBuffer) append(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// Lines returns a copy of the retained lines, oldest first, including any
// unterminated trailing output.
func (b *LineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.lines), len(b.lines)+1)
	copy(out, b.lines)
	if b.partial.Len() > 0 {
		out = append(out, b.partial.String())
	}
	return out
}

// String returns the retained output joined with newlines.
func (b *LineBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
