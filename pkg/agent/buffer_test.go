package agent

import (
	"fmt"
	"reflect"
	"testing"
)

func TestLineBuffer_SplitsOnNewlines(t *testing.T) {
	b := NewLineBuffer(10)

	if _, err := b.Write([]byte("first\nsec")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if _, err := b.Write([]byte("ond\nthird")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	want := []string{"first", "second", "third"}
	if got := b.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLineBuffer_TrimsCarriageReturns(t *testing.T) {
	b := NewLineBuffer(10)
	if _, err := b.Write([]byte("one\r\ntwo\r\n")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	want := []string{"one", "two"}
	if got := b.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLineBuffer_KeepsOnlyRecentLines(t *testing.T) {
	b := NewLineBuffer(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}

	want := []string{"line 3", "line 4", "line 5"}
	if got := b.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLineBuffer_DefaultCapacity(t *testing.T) {
	b := NewLineBuffer(0)
	for i := 0; i < 60; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}
	if got := len(b.Lines()); got != 50 {
		t.Errorf("retained %d lines, want 50", got)
	}
}

func TestLineBuffer_String(t *testing.T) {
	b := NewLineBuffer(10)
	fmt.Fprint(b, "a\nb\npartial")

	if got := b.String(); got != "a\nb\npartial" {
		t.Errorf("String() = %q", got)
	}
}
