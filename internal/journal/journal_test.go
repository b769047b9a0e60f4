package journal

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"rangebot/internal/events"
	"rangebot/pkg/types"
)

const (
	testDate   = "2025-11-20"
	testStream = "NY1"
	testIntent = "a1b2c3d4e5f60718"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJournal(t *testing.T, onCorruption CorruptionHandler) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := events.Open(dir, testDate, testLogger())
	if err != nil {
		t.Fatalf("events.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	jdir := filepath.Join(dir, "execution_journals")
	j, err := Open(jdir, log, onCorruption, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j, jdir
}

func submission() Submission {
	return Submission{
		Instrument:     "MES",
		BrokerOrderID:  "B1",
		EntryOrderType: types.OrderEntryStop,
		Direction:      types.Long,
		EntryPrice:     decimal.NewNullDecimal(decimal.RequireFromString("4500.00")),
		StopPrice:      decimal.NewNullDecimal(decimal.RequireFromString("4495.00")),
		TargetPrice:    decimal.NewNullDecimal(decimal.RequireFromString("4510.00")),
		OCOGroup:       "QTSW2:OCO_ENTRY:2025-11-20:NY1:08:30:u",
	}
}

func TestSubmissionRoundTrip(t *testing.T) {
	t.Parallel()
	j, _ := newTestJournal(t, nil)

	if j.IsIntentSubmitted(testDate, testStream, testIntent) {
		t.Fatalf("fresh intent must not read as submitted")
	}
	if err := j.RecordSubmission(testDate, testStream, testIntent, submission()); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	if !j.IsIntentSubmitted(testDate, testStream, testIntent) {
		t.Fatalf("submitted intent must read as submitted")
	}

	entry := j.Lookup(testDate, testStream, testIntent)
	if entry == nil {
		t.Fatalf("Lookup returned nil")
	}
	if entry.BrokerOrderID != "B1" || entry.EntryOrderType != types.OrderEntryStop {
		t.Fatalf("entry fields not persisted: %+v", entry)
	}
	if entry.SubmittedAt == nil || entry.SubmittedAt.Location() != entry.SubmittedAt.UTC().Location() {
		t.Fatalf("submitted_at must be UTC, got %v", entry.SubmittedAt)
	}
}

func TestFileOnDiskSurvivesNewJournal(t *testing.T) {
	t.Parallel()
	j, jdir := newTestJournal(t, nil)

	if err := j.RecordSubmission(testDate, testStream, testIntent, submission()); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}

	// A second journal over the same dir (fresh cache) reads the file.
	log, _ := events.Open(t.TempDir(), testDate, testLogger())
	defer log.Close()
	j2, err := Open(jdir, log, nil, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !j2.IsIntentSubmitted(testDate, testStream, testIntent) {
		t.Fatalf("reopened journal lost the submission")
	}
}

func TestFillSlippageDerivation(t *testing.T) {
	t.Parallel()
	j, _ := newTestJournal(t, nil)

	if err := j.RecordSubmission(testDate, testStream, testIntent, submission()); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	fill := Fill{
		Price:      decimal.RequireFromString("4500.25"),
		Quantity:   2,
		Multiplier: decimal.NewFromInt(5),
	}
	if err := j.RecordFill(testDate, testStream, testIntent, fill); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	entry := j.Lookup(testDate, testStream, testIntent)
	if !entry.EntryFilled || entry.FillQuantity != 2 {
		t.Fatalf("fill not recorded: %+v", entry)
	}
	if !entry.SlippagePoints.Valid || !entry.SlippagePoints.Decimal.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("slippage_points = %v, want 0.25", entry.SlippagePoints)
	}
	// 0.25 points * $5 * 2 contracts = $2.50
	if !entry.SlippageDollars.Valid || !entry.SlippageDollars.Decimal.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("slippage_dollars = %v, want 2.5", entry.SlippageDollars)
	}
}

func TestShortSlippageSign(t *testing.T) {
	t.Parallel()
	j, _ := newTestJournal(t, nil)

	sub := submission()
	sub.Direction = types.Short
	if err := j.RecordSubmission(testDate, testStream, testIntent, sub); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	// Short filled below the expected price is adverse slippage.
	fill := Fill{Price: decimal.RequireFromString("4499.50"), Quantity: 1, Multiplier: decimal.NewFromInt(5)}
	if err := j.RecordFill(testDate, testStream, testIntent, fill); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	entry := j.Lookup(testDate, testStream, testIntent)
	if !entry.SlippagePoints.Decimal.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("short slippage_points = %v, want 0.5", entry.SlippagePoints.Decimal)
	}
}

func TestFlagsAccrete(t *testing.T) {
	t.Parallel()
	j, _ := newTestJournal(t, nil)

	if err := j.RecordSubmission(testDate, testStream, testIntent, submission()); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	if err := j.RecordFill(testDate, testStream, testIntent, Fill{Price: decimal.RequireFromString("4500.25"), Quantity: 2}); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	// A smaller cumulative quantity must not decrement the journal.
	if err := j.RecordFill(testDate, testStream, testIntent, Fill{Price: decimal.RequireFromString("4500.25"), Quantity: 1}); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	entry := j.Lookup(testDate, testStream, testIntent)
	if entry.FillQuantity != 2 {
		t.Fatalf("fill_quantity decremented to %d", entry.FillQuantity)
	}
	if !entry.EntrySubmitted || !entry.EntryFilled {
		t.Fatalf("flags regressed: %+v", entry)
	}
}

func TestBEModificationIdempotenceGuard(t *testing.T) {
	t.Parallel()
	j, _ := newTestJournal(t, nil)

	if j.IsBEModified(testDate, testStream, testIntent) {
		t.Fatalf("fresh intent must not read as BE-modified")
	}
	be := decimal.RequireFromString("4500.00")
	if err := j.RecordBEModification(testDate, testStream, testIntent, be); err != nil {
		t.Fatalf("RecordBEModification: %v", err)
	}
	if !j.IsBEModified(testDate, testStream, testIntent) {
		t.Fatalf("BE modification not visible")
	}
	entry := j.Lookup(testDate, testStream, testIntent)
	if !entry.BEStopPrice.Decimal.Equal(be) {
		t.Fatalf("be_stop_price = %v", entry.BEStopPrice)
	}
}

func TestRejectionRecorded(t *testing.T) {
	t.Parallel()
	j, _ := newTestJournal(t, nil)

	if err := j.RecordRejection(testDate, testStream, testIntent, "insufficient margin"); err != nil {
		t.Fatalf("RecordRejection: %v", err)
	}
	entry := j.Lookup(testDate, testStream, testIntent)
	if !entry.Rejected || entry.RejectionReason != "insufficient margin" {
		t.Fatalf("rejection not recorded: %+v", entry)
	}
}

func TestCorruptionFailsClosed(t *testing.T) {
	t.Parallel()

	var stoodDown bool
	j, jdir := newTestJournal(t, func(date, stream, intentID string, err error) {
		stoodDown = true
	})

	path := filepath.Join(jdir, testDate+"_"+testStream+"_"+testIntent+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("plant corrupt file: %v", err)
	}

	if !j.IsIntentSubmitted(testDate, testStream, testIntent) {
		t.Fatalf("corrupt journal must read as submitted (fail-closed)")
	}
	if !stoodDown {
		t.Fatalf("corruption handler not invoked")
	}
	if !j.IsBEModified(testDate, testStream, testIntent) {
		t.Fatalf("corrupt journal must read as BE-modified (fail-closed)")
	}
	if err := j.RecordSubmission(testDate, testStream, testIntent, submission()); err == nil {
		t.Fatalf("write over a corrupt journal must be refused")
	}
	if j.Lookup(testDate, testStream, testIntent) != nil {
		t.Fatalf("Lookup over corrupt journal must return nil")
	}
}

func TestPersistedDocumentShape(t *testing.T) {
	t.Parallel()
	j, jdir := newTestJournal(t, nil)

	if err := j.RecordSubmission(testDate, testStream, testIntent, submission()); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(jdir, testDate+"_"+testStream+"_"+testIntent+".json"))
	if err != nil {
		t.Fatalf("read journal file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("journal file not valid JSON: %v", err)
	}
	for _, key := range []string{"intent_id", "trading_date", "stream", "entry_submitted", "broker_order_id"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("journal document missing %q", key)
		}
	}
}
