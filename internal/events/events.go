// Package events is the robot's structured execution event stream.
//
// Every significant execution decision emits exactly one Event. Events
// are appended as JSONL to a per-day file (the durable audit trail),
// mirrored to the process logger, and fanned out on a channel for the
// operational stream server. The JSONL file is the contract consumed by
// post-mortem tooling; its field names are fixed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Type enumerates every event the execution subsystem can emit.
type Type string

const (
	OrderSubmitAttempt        Type = "ORDER_SUBMIT_ATTEMPT"
	OrderSubmitSuccess        Type = "ORDER_SUBMIT_SUCCESS"
	OrderSubmitFail           Type = "ORDER_SUBMIT_FAIL"
	OrderRejected             Type = "ORDER_REJECTED"
	OrderCreatedStopMarket    Type = "ORDER_CREATED_STOPMARKET"
	OrderCreatedVerification  Type = "ORDER_CREATED_VERIFICATION"
	EntrySubmitPrecheck       Type = "ENTRY_SUBMIT_PRECHECK"
	ExecutionBlocked          Type = "EXECUTION_BLOCKED"
	ExecutionFilled           Type = "EXECUTION_FILLED"
	ExecutionPartialFill      Type = "EXECUTION_PARTIAL_FILL"
	ExecutionExitFill         Type = "EXECUTION_EXIT_FILL"
	IntentFillUpdate          Type = "INTENT_FILL_UPDATE"
	IntentOverfillEmergency   Type = "INTENT_OVERFILL_EMERGENCY"
	QuantityMismatchEmergency Type = "QUANTITY_MISMATCH_EMERGENCY"
	ProtectiveOrdersSubmitted Type = "PROTECTIVE_ORDERS_SUBMITTED"
	ProtectiveOrdersFailed    Type = "PROTECTIVE_ORDERS_FAILED_FLATTENED"
	StopModifySuccess         Type = "STOP_MODIFY_SUCCESS"
	KillSwitchActive          Type = "KILL_SWITCH_ACTIVE"
	JournalCorruption         Type = "EXECUTION_JOURNAL_CORRUPTION"
	OrphanFillCritical        Type = "ORPHAN_FILL_CRITICAL"
	SimAccountVerified        Type = "SIM_ACCOUNT_VERIFIED"
)

// severity maps event types to the level used for the slog mirror.
func (t Type) severity() slog.Level {
	switch t {
	case ExecutionBlocked, OrderSubmitFail, OrderRejected, KillSwitchActive:
		return slog.LevelWarn
	case IntentOverfillEmergency, QuantityMismatchEmergency, ProtectiveOrdersFailed,
		JournalCorruption, OrphanFillCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event is one record on the stream. Payload carries event-specific
// context. timestamp_utc and event_type are present on every record;
// intent_id and instrument are omitted when empty.
type Event struct {
	TimestampUTC time.Time      `json:"timestamp_utc"`
	Type         Type           `json:"event_type"`
	IntentID     string         `json:"intent_id,omitempty"`
	Instrument   string         `json:"instrument,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Log appends events to a JSONL file and fans them out. A single mutex
// serializes writes; subscribers that fall behind lose events rather
// than blocking the execution path.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	subCh  chan Event
}

// Open creates the event log at dir/events_<date>.jsonl.
func Open(dir, tradingDate string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	path := filepath.Join(dir, "events_"+tradingDate+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{
		file:   f,
		logger: logger.With("component", "events"),
		subCh:  make(chan Event, 256),
	}, nil
}

// Emit appends one event. Write failures are logged but never propagate:
// the audit trail must not be able to halt execution decisions that have
// already been made.
func (l *Log) Emit(t Type, intentID, instrument string, payload map[string]any) {
	evt := Event{
		TimestampUTC: time.Now().UTC(),
		Type:         t,
		IntentID:     intentID,
		Instrument:   instrument,
		Payload:      payload,
	}

	l.mu.Lock()
	data, err := json.Marshal(evt)
	if err == nil {
		data = append(data, '\n')
		if _, werr := l.file.Write(data); werr != nil {
			err = werr
		}
	}
	l.mu.Unlock()

	if err != nil {
		l.logger.Error("event write failed", "event_type", t, "error", err)
	}

	l.logger.Log(context.Background(), t.severity(), string(t),
		"intent_id", intentID, "instrument", instrument)

	select {
	case l.subCh <- evt:
	default:
		// Stream consumer can't keep up, drop for it; the file has the record.
	}
}

// Events returns the fan-out channel for the stream server.
func (l *Log) Events() <-chan Event {
	return l.subCh
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
