package logs

import (
	"fmt"
	"testing"
	"time"
)

func TestRingBufferWriteRead(t *testing.T) {
	t.Parallel()

	buf := newRingBuffer(3)
	for i := range 2 {
		buf.Write(Entry{Message: fmt.Sprintf("m%d", i)})
	}

	entries := buf.ReadAll()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "m0" || entries[1].Message != "m1" {
		t.Errorf("unexpected order: %v", entries)
	}
}

func TestRingBufferEviction(t *testing.T) {
	t.Parallel()

	buf := newRingBuffer(3)
	for i := range 5 {
		buf.Write(Entry{Message: fmt.Sprintf("m%d", i)})
	}

	entries := buf.ReadAll()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "m2" {
		t.Errorf("expected oldest surviving entry m2, got %s", entries[0].Message)
	}
	if buf.Total() != 5 {
		t.Errorf("expected total 5, got %d", buf.Total())
	}
}

func TestRingBufferReadSince(t *testing.T) {
	t.Parallel()

	buf := newRingBuffer(10)
	cutoff := time.Now()
	buf.Write(Entry{Message: "old", Timestamp: cutoff.Add(-time.Minute)})
	buf.Write(Entry{Message: "new", Timestamp: cutoff.Add(time.Minute)})

	entries := buf.ReadSince(cutoff)
	if len(entries) != 1 || entries[0].Message != "new" {
		t.Errorf("expected only the new entry, got %v", entries)
	}
}
