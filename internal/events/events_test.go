package events

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	l, err := Open(dir, "2025-11-20", logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, filepath.Join(dir, "events_2025-11-20.jsonl")
}

func TestEmitAppendsJSONL(t *testing.T) {
	t.Parallel()
	l, path := newTestLog(t)
	defer l.Close()

	l.Emit(OrderSubmitAttempt, "abc123", "MES", map[string]any{"qty": 2})
	l.Emit(ExecutionBlocked, "abc123", "MES", map[string]any{"reason": "KILL_SWITCH_ACTIVE"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open event file: %v", err)
	}
	defer f.Close()

	var lines []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		lines = append(lines, evt)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Type != OrderSubmitAttempt || lines[1].Type != ExecutionBlocked {
		t.Fatalf("event types out of order: %v, %v", lines[0].Type, lines[1].Type)
	}
	if lines[0].IntentID != "abc123" || lines[0].Instrument != "MES" {
		t.Fatalf("top-level fields not preserved: %+v", lines[0])
	}
	if lines[0].TimestampUTC.IsZero() {
		t.Fatalf("timestamp_utc not set")
	}
}

func TestFanOutDelivers(t *testing.T) {
	t.Parallel()
	l, _ := newTestLog(t)
	defer l.Close()

	l.Emit(ExecutionFilled, "id1", "MES", nil)
	select {
	case evt := <-l.Events():
		if evt.Type != ExecutionFilled {
			t.Fatalf("got %s, want %s", evt.Type, ExecutionFilled)
		}
	default:
		t.Fatalf("no event on fan-out channel")
	}
}

func TestFanOutNeverBlocks(t *testing.T) {
	t.Parallel()
	l, _ := newTestLog(t)
	defer l.Close()

	// Overflow the subscriber buffer; Emit must not block.
	for i := 0; i < 1000; i++ {
		l.Emit(IntentFillUpdate, "id", "MES", nil)
	}
}
