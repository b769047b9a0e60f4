// Package journal provides the append-accretive execution journal.
//
// One JSON file per (trading date, stream, intent id) records every
// lifecycle transition for that intent: submission, fills, rejection,
// break-even modification. Flags only ever move from false to true and
// quantities only accumulate, so replaying a journal after a crash can
// never un-happen an order. Writes use atomic file replacement (write
// to .tmp, then rename).
//
// Corruption policy is fail-closed: a journal file that exists but does
// not deserialize stands the stream down through the registered callback
// and reads as already-submitted / already-modified, so the caller will
// not create duplicate broker orders on top of unknown state.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rangebot/internal/events"
	"rangebot/pkg/types"
)

// Entry is the persisted journal document. All timestamps are UTC.
// Fields accrete: once set they are never cleared or decremented.
type Entry struct {
	IntentID    string `json:"intent_id"`
	TradingDate string `json:"trading_date"`
	Stream      string `json:"stream"`
	Instrument  string `json:"instrument"`

	EntrySubmitted bool `json:"entry_submitted"`
	EntryFilled    bool `json:"entry_filled"`
	Rejected       bool `json:"rejected"`
	BEModified     bool `json:"be_modified"`

	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	FilledAt     *time.Time `json:"filled_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	BEModifiedAt *time.Time `json:"be_modified_at,omitempty"`

	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	EntryOrderType  types.OrderType `json:"entry_order_type,omitempty"`
	FillPrice       decimal.NullDecimal `json:"fill_price,omitempty"`
	FillQuantity    int             `json:"fill_quantity"` // cumulative
	RejectionReason string          `json:"rejection_reason,omitempty"`
	BEStopPrice     decimal.NullDecimal `json:"be_stop_price,omitempty"`

	// Recovery fields: enough to rebuild the intent and its protective
	// orders after a restart. Session/slot/canonical instrument round
	// out the id-canonical fields so a recovered intent re-derives the
	// same intent id.
	Direction           types.Direction     `json:"direction,omitempty"`
	EntryPrice          decimal.NullDecimal `json:"entry_price,omitempty"`
	StopPrice           decimal.NullDecimal `json:"stop_price,omitempty"`
	TargetPrice         decimal.NullDecimal `json:"target_price,omitempty"`
	BETrigger           decimal.NullDecimal `json:"be_trigger,omitempty"`
	OCOGroup            string              `json:"oco_group,omitempty"`
	Session             string              `json:"session,omitempty"`
	SlotTime            string              `json:"slot_time,omitempty"`
	CanonicalInstrument string              `json:"canonical_instrument,omitempty"`

	// Slippage accounting, derived on fill when the expected entry price
	// and a contract multiplier are known.
	ExpectedEntryPrice decimal.NullDecimal `json:"expected_entry_price,omitempty"`
	ActualFillPrice    decimal.NullDecimal `json:"actual_fill_price,omitempty"`
	SlippagePoints     decimal.NullDecimal `json:"slippage_points,omitempty"`
	SlippageDollars    decimal.NullDecimal `json:"slippage_dollars,omitempty"`
	Commission         decimal.NullDecimal `json:"commission,omitempty"`
	Fees               decimal.NullDecimal `json:"fees,omitempty"`
}

// CorruptionHandler is invoked once per corrupt-file observation, before
// the fail-closed answer is returned. It is expected to stand the stream
// down.
type CorruptionHandler func(tradingDate, stream, intentID string, err error)

// Journal persists per-intent execution records with a read-through
// cache. A single mutex serializes all reads and writes.
type Journal struct {
	dir          string
	mu           sync.Mutex
	cache        map[string]*Entry // key: file stem
	onCorruption CorruptionHandler
	log          *events.Log
	logger       *slog.Logger
}

// Open creates the journal directory if needed.
func Open(dir string, log *events.Log, onCorruption CorruptionHandler, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{
		dir:          dir,
		cache:        make(map[string]*Entry),
		onCorruption: onCorruption,
		log:          log,
		logger:       logger.With("component", "journal"),
	}, nil
}

func stem(tradingDate, stream, intentID string) string {
	return tradingDate + "_" + stream + "_" + intentID
}

func (j *Journal) path(tradingDate, stream, intentID string) string {
	return filepath.Join(j.dir, stem(tradingDate, stream, intentID)+".json")
}

// IsIntentSubmitted reports whether an entry submission was journaled.
// A corrupt journal reads as submitted (fail-closed).
func (j *Journal) IsIntentSubmitted(tradingDate, stream, intentID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, corrupt := j.loadLocked(tradingDate, stream, intentID)
	if corrupt {
		return true
	}
	return entry != nil && entry.EntrySubmitted
}

// IsBEModified reports whether the break-even modification was journaled.
// A corrupt journal reads as modified (fail-closed).
func (j *Journal) IsBEModified(tradingDate, stream, intentID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, corrupt := j.loadLocked(tradingDate, stream, intentID)
	if corrupt {
		return true
	}
	return entry != nil && entry.BEModified
}

// Submission captures what RecordSubmission persists.
type Submission struct {
	Instrument          string
	BrokerOrderID       string
	EntryOrderType      types.OrderType
	Direction           types.Direction
	EntryPrice          decimal.NullDecimal
	StopPrice           decimal.NullDecimal
	TargetPrice         decimal.NullDecimal
	BETrigger           decimal.NullDecimal
	OCOGroup            string
	Session             string
	SlotTime            string
	CanonicalInstrument string
}

// RecordSubmission journals the entry submission for an intent.
func (j *Journal) RecordSubmission(tradingDate, stream, intentID string, sub Submission) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.entryForWriteLocked(tradingDate, stream, intentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.Instrument = sub.Instrument
	entry.EntrySubmitted = true
	if entry.SubmittedAt == nil {
		entry.SubmittedAt = &now
	}
	entry.BrokerOrderID = sub.BrokerOrderID
	entry.EntryOrderType = sub.EntryOrderType
	entry.Direction = sub.Direction
	entry.EntryPrice = sub.EntryPrice
	entry.StopPrice = sub.StopPrice
	entry.TargetPrice = sub.TargetPrice
	entry.BETrigger = sub.BETrigger
	entry.OCOGroup = sub.OCOGroup
	entry.Session = sub.Session
	entry.SlotTime = sub.SlotTime
	entry.CanonicalInstrument = sub.CanonicalInstrument
	entry.ExpectedEntryPrice = sub.EntryPrice

	return j.persistLocked(tradingDate, stream, intentID, entry)
}

// Fill captures what RecordFill persists. Quantity is cumulative.
type Fill struct {
	Price      decimal.Decimal
	Quantity   int
	Commission decimal.NullDecimal
	Fees       decimal.NullDecimal
	// Multiplier converts slippage points to dollars. Zero disables the
	// dollar derivation.
	Multiplier decimal.Decimal
}

// RecordFill journals an entry fill, deriving slippage when the expected
// entry price was recorded at submission and a multiplier is supplied.
func (j *Journal) RecordFill(tradingDate, stream, intentID string, fill Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.entryForWriteLocked(tradingDate, stream, intentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.EntryFilled = true
	if entry.FilledAt == nil {
		entry.FilledAt = &now
	}
	if fill.Quantity > entry.FillQuantity {
		entry.FillQuantity = fill.Quantity
	}
	entry.FillPrice = decimal.NewNullDecimal(fill.Price)
	entry.ActualFillPrice = entry.FillPrice
	if fill.Commission.Valid {
		entry.Commission = fill.Commission
	}
	if fill.Fees.Valid {
		entry.Fees = fill.Fees
	}

	if entry.ExpectedEntryPrice.Valid {
		points := fill.Price.Sub(entry.ExpectedEntryPrice.Decimal)
		if entry.Direction == types.Short {
			points = points.Neg()
		}
		entry.SlippagePoints = decimal.NewNullDecimal(points)
		if !fill.Multiplier.IsZero() {
			dollars := points.Mul(fill.Multiplier).Mul(decimal.NewFromInt(int64(entry.FillQuantity)))
			entry.SlippageDollars = decimal.NewNullDecimal(dollars)
		}
	}

	return j.persistLocked(tradingDate, stream, intentID, entry)
}

// RecordRejection journals a broker rejection of the entry.
func (j *Journal) RecordRejection(tradingDate, stream, intentID, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.entryForWriteLocked(tradingDate, stream, intentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.Rejected = true
	if entry.RejectedAt == nil {
		entry.RejectedAt = &now
	}
	entry.RejectionReason = reason

	return j.persistLocked(tradingDate, stream, intentID, entry)
}

// RecordBEModification journals the break-even stop modification.
func (j *Journal) RecordBEModification(tradingDate, stream, intentID string, beStop decimal.Decimal) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.entryForWriteLocked(tradingDate, stream, intentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.BEModified = true
	if entry.BEModifiedAt == nil {
		entry.BEModifiedAt = &now
	}
	entry.BEStopPrice = decimal.NewNullDecimal(beStop)

	return j.persistLocked(tradingDate, stream, intentID, entry)
}

// Lookup returns a copy of the journal entry for recovery, nil when the
// intent was never journaled. Corrupt files return nil after the
// corruption path has run; recovery then treats the intent's working
// orders as orphans and cancels them.
func (j *Journal) Lookup(tradingDate, stream, intentID string) *Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, corrupt := j.loadLocked(tradingDate, stream, intentID)
	if corrupt || entry == nil {
		return nil
	}
	cp := *entry
	return &cp
}

// entryForWriteLocked loads or creates the entry. A corrupt existing
// file refuses the write: the stream is already standing down and the
// unknown state must not be overwritten.
func (j *Journal) entryForWriteLocked(tradingDate, stream, intentID string) (*Entry, error) {
	entry, corrupt := j.loadLocked(tradingDate, stream, intentID)
	if corrupt {
		return nil, fmt.Errorf("journal for intent %s is corrupt, refusing write", intentID)
	}
	if entry == nil {
		entry = &Entry{
			IntentID:    intentID,
			TradingDate: tradingDate,
			Stream:      stream,
		}
	}
	return entry, nil
}

// loadLocked reads through the cache. corrupt=true means a file exists
// but did not deserialize; the corruption event and callback have
// already fired by the time it returns.
func (j *Journal) loadLocked(tradingDate, stream, intentID string) (entry *Entry, corrupt bool) {
	key := stem(tradingDate, stream, intentID)
	if cached, ok := j.cache[key]; ok {
		return cached, false
	}

	data, err := os.ReadFile(j.path(tradingDate, stream, intentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false
		}
		j.corruptLocked(tradingDate, stream, intentID, err)
		return nil, true
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		j.corruptLocked(tradingDate, stream, intentID, err)
		return nil, true
	}

	j.cache[key] = &e
	return &e, false
}

func (j *Journal) corruptLocked(tradingDate, stream, intentID string, err error) {
	j.logger.Error("journal corruption, failing closed",
		"intent_id", intentID, "stream", stream, "error", err)
	j.log.Emit(events.JournalCorruption, intentID, "", map[string]any{
		"stream": stream,
		"error":  err.Error(),
	})
	if j.onCorruption != nil {
		j.onCorruption(tradingDate, stream, intentID, err)
	}
}

func (j *Journal) persistLocked(tradingDate, stream, intentID string, entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	path := j.path(tradingDate, stream, intentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename journal entry: %w", err)
	}

	j.cache[stem(tradingDate, stream, intentID)] = entry
	return nil
}
