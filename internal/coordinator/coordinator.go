// Package coordinator tracks per-intent exposure.
//
// The coordinator is the authority on "how much of this intent is
// actually on": expected quantity from the policy declaration, entry
// fills credited as deltas by the adapter, exit fills likewise. Exit
// orders are admitted only against real entry exposure, which is what
// makes over-closing impossible, and a protective failure freezes the
// record until the stream is manually re-armed.
//
// Invariant, for every intent at every time:
//
//	0 <= exit_filled <= entry_filled <= expected
//
// An excursion past expected is reported to the caller so the adapter
// can run its emergency handler, and stands the stream down here.
package coordinator

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"rangebot/internal/events"
	"rangebot/pkg/types"
)

// ErrOverfill is returned when an entry-fill delta pushes the filled
// quantity past the declared expectation.
var ErrOverfill = errors.New("entry fills exceed declared expectation")

// Exposure is the per-intent accounting record.
type Exposure struct {
	IntentID          string
	Stream            string
	Instrument        string
	Direction         types.Direction
	Expected          int
	EntryFilled       int
	ExitFilled        int
	FirstFillTime     time.Time
	ProtectiveFailure bool
}

// Open reports whether the intent still has unclosed exposure.
func (e *Exposure) Open() bool {
	return e.EntryFilled > e.ExitFilled
}

// Coordinator owns the exposure table. All access is under one mutex.
type Coordinator struct {
	mu        sync.Mutex
	records   map[string]*Exposure
	standDown func(stream string)
	log       *events.Log
	logger    *slog.Logger
}

// New creates a coordinator. standDown is invoked (outside the lock)
// whenever a protective failure or overfill requires the stream to stop.
func New(standDown func(stream string), log *events.Log, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		records:   make(map[string]*Exposure),
		standDown: standDown,
		log:       log,
		logger:    logger.With("component", "coordinator"),
	}
}

// RegisterExpectation declares how much exposure an intent may accrue.
// Re-registration replaces the expectation but never erases fills
// already credited.
func (c *Coordinator) RegisterExpectation(intent *types.Intent, expected int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := intent.ID()
	rec, ok := c.records[id]
	if !ok {
		rec = &Exposure{IntentID: id}
		c.records[id] = rec
	}
	rec.Stream = intent.Stream
	rec.Instrument = intent.ExecutionInstrument
	rec.Direction = intent.Direction
	rec.Expected = expected
}

// OnEntryFill credits an entry-fill delta (never a cumulative total).
// Direction, stream, and instrument are recorded on the first fill.
// Returns ErrOverfill after standing the stream down when the delta
// pushes entry fills past the expectation.
func (c *Coordinator) OnEntryFill(intent *types.Intent, delta int) error {
	if delta <= 0 {
		return nil
	}

	c.mu.Lock()
	id := intent.ID()
	rec, ok := c.records[id]
	if !ok {
		rec = &Exposure{IntentID: id, Stream: intent.Stream, Instrument: intent.ExecutionInstrument}
		c.records[id] = rec
	}
	if rec.EntryFilled == 0 {
		rec.Direction = intent.Direction
		rec.Stream = intent.Stream
		rec.Instrument = intent.ExecutionInstrument
		rec.FirstFillTime = time.Now().UTC()
	}
	rec.EntryFilled += delta
	overfill := rec.Expected > 0 && rec.EntryFilled > rec.Expected
	entryFilled, expected, stream := rec.EntryFilled, rec.Expected, rec.Stream
	c.mu.Unlock()

	c.log.Emit(events.IntentFillUpdate, id, intent.ExecutionInstrument, map[string]any{
		"entry_filled": entryFilled,
		"expected":     expected,
		"delta":        delta,
	})

	if overfill {
		c.log.Emit(events.IntentOverfillEmergency, id, intent.ExecutionInstrument, map[string]any{
			"entry_filled": entryFilled,
			"expected":     expected,
		})
		c.invokeStandDown(stream)
		return ErrOverfill
	}
	return nil
}

// OnExitFill credits an exit-fill delta. When exits catch up with
// entries the record is released.
func (c *Coordinator) OnExitFill(intent *types.Intent, delta int) {
	if delta <= 0 {
		return
	}

	c.mu.Lock()
	id := intent.ID()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("exit fill for unknown intent", "intent_id", id, "delta", delta)
		return
	}
	rec.ExitFilled += delta
	released := rec.ExitFilled >= rec.EntryFilled
	if released {
		delete(c.records, id)
	}
	exitFilled, entryFilled := rec.ExitFilled, rec.EntryFilled
	c.mu.Unlock()

	c.log.Emit(events.ExecutionExitFill, id, intent.ExecutionInstrument, map[string]any{
		"exit_filled":  exitFilled,
		"entry_filled": entryFilled,
		"released":     released,
	})
}

// CanSubmitExit admits an exit order of the given quantity. False when
// nothing has filled, when the exit would overshoot the entry exposure,
// or when the intent is frozen by a protective failure.
func (c *Coordinator) CanSubmitExit(intent *types.Intent, qty int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[intent.ID()]
	if !ok || rec.EntryFilled == 0 {
		return false
	}
	if rec.ProtectiveFailure {
		return false
	}
	return rec.ExitFilled+qty <= rec.EntryFilled
}

// OnProtectiveFailure marks the intent's exposure as unprotected and
// stands the stream down. The record stays frozen (no further exit
// admission) so only the fail-closed flatten path can touch it.
func (c *Coordinator) OnProtectiveFailure(intent *types.Intent) {
	c.mu.Lock()
	id := intent.ID()
	rec, ok := c.records[id]
	if !ok {
		rec = &Exposure{IntentID: id, Stream: intent.Stream, Instrument: intent.ExecutionInstrument}
		c.records[id] = rec
	}
	rec.ProtectiveFailure = true
	stream := rec.Stream
	if stream == "" {
		stream = intent.Stream
	}
	c.mu.Unlock()

	c.invokeStandDown(stream)
}

// Exposure returns a copy of an intent's record.
func (c *Coordinator) Exposure(intentID string) (Exposure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[intentID]
	if !ok {
		return Exposure{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all live records, for the ops API.
func (c *Coordinator) Snapshot() []Exposure {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Exposure, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	return out
}

func (c *Coordinator) invokeStandDown(stream string) {
	if c.standDown != nil && stream != "" {
		c.standDown(stream)
	}
}
