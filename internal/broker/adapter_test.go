package broker_test

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rangebot/internal/broker"
	"rangebot/internal/broker/sim"
	"rangebot/internal/coordinator"
	"rangebot/internal/events"
	"rangebot/internal/journal"
	"rangebot/internal/notify"
	"rangebot/pkg/types"
)

const (
	testDate   = "2025-11-20"
	testStream = "NY1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fixture wires an adapter against a simulation account the way the
// engine does, with fast retry/watchdog timings.
type fixture struct {
	adapter     *broker.Adapter
	account     *sim.Account
	coord       *coordinator.Coordinator
	jnl         *journal.Journal
	log         *events.Log
	notif       *notify.Notifier
	eventsPath  string
	journalDir  string
	incidentDir string
	stoodDown   *[]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	log, err := events.Open(dir, testDate, logger)
	if err != nil {
		t.Fatalf("events.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	stood := &[]string{}
	standDown := func(stream string) { *stood = append(*stood, stream) }

	journalDir := filepath.Join(dir, "execution_journals")
	jnl, err := journal.Open(journalDir, log, func(date, stream, intentID string, err error) {
		standDown(stream)
	}, logger)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}

	coord := coordinator.New(standDown, log, logger)
	account := sim.NewAccount("Sim101")
	notifier := notify.New("", time.Second, true, logger)

	incidentDir := filepath.Join(dir, "execution_incidents")
	adapter, err := broker.New(broker.Config{
		Account:             "Sim101",
		TradingDate:         testDate,
		Stream:              testStream,
		CanonicalInstrument: "ES",
		ExecutionInstrument: "MES",
		ContractMultiplier:  decimal.NewFromInt(5),
		ProtectiveRetries:   3,
		ProtectiveBackoff:   time.Millisecond,
		WatchdogTimeout:     75 * time.Millisecond,
		MismatchLogInterval: time.Minute,
	}, account, jnl, coord, log, notifier, standDown, incidentDir, logger)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}

	account.SetHandlers(
		func(upd broker.OrderStateUpdate) { adapter.OnOrderStateUpdate(context.Background(), upd) },
		func(exec broker.ExecutionUpdate) { adapter.OnExecutionUpdate(context.Background(), exec) },
	)

	return &fixture{
		adapter:     adapter,
		account:     account,
		coord:       coord,
		jnl:         jnl,
		log:         log,
		notif:       notifier,
		eventsPath:  filepath.Join(dir, "events_"+testDate+".jsonl"),
		journalDir:  journalDir,
		incidentDir: incidentDir,
		stoodDown:   stood,
	}
}

func longIntent() *types.Intent {
	return &types.Intent{
		TradingDate:         testDate,
		Stream:              testStream,
		CanonicalInstrument: "ES",
		ExecutionInstrument: "MES",
		Session:             "AM",
		SlotTime:            "08:30",
		Direction:           types.Long,
		EntryPrice:          decimal.NewNullDecimal(decimal.RequireFromString("4500.00")),
		StopPrice:           decimal.RequireFromString("4495.00"),
		TargetPrice:         decimal.RequireFromString("4510.00"),
		BETrigger:           decimal.RequireFromString("4502.50"),
		TriggerReason:       "RANGE_BREAK_UP",
	}
}

func shortIntent() *types.Intent {
	in := longIntent()
	in.Direction = types.Short
	in.EntryPrice = decimal.NewNullDecimal(decimal.RequireFromString("4480.00"))
	in.StopPrice = decimal.RequireFromString("4485.00")
	in.TargetPrice = decimal.RequireFromString("4470.00")
	in.BETrigger = decimal.RequireFromString("4477.50")
	in.TriggerReason = "RANGE_BREAK_DOWN"
	return in
}

// register declares the intent's policy and coordinator expectation.
func (f *fixture) register(intent *types.Intent, qty int) {
	f.adapter.RegisterPolicy(types.IntentPolicy{
		IntentID:            intent.ID(),
		ExpectedQuantity:    qty,
		MaxQuantity:         qty,
		Source:              "test",
		CanonicalInstrument: intent.CanonicalInstrument,
		ExecutionInstrument: intent.ExecutionInstrument,
	})
	f.coord.RegisterExpectation(intent, qty)
}

// eventTypes reads the event stream file back as an ordered type list.
func (f *fixture) eventTypes(t *testing.T) []events.Type {
	t.Helper()
	file, err := os.Open(f.eventsPath)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer file.Close()

	var out []events.Type
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var evt events.Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("bad event line: %v", err)
		}
		out = append(out, evt.Type)
	}
	return out
}

func (f *fixture) hasEvent(t *testing.T, want events.Type) bool {
	t.Helper()
	for _, typ := range f.eventTypes(t) {
		if typ == want {
			return true
		}
	}
	return false
}

// protectiveOrders picks the tracked stop and target for an intent.
func (f *fixture) protectiveOrders(intentID string) (stop, target *broker.OrderInfo) {
	for _, o := range f.adapter.TrackedOrders() {
		o := o
		if o.IntentID != intentID {
			continue
		}
		switch o.Type {
		case types.OrderStop:
			if o.State.Active() {
				stop = &o
			}
		case types.OrderTarget:
			if o.State.Active() {
				target = &o
			}
		}
	}
	return stop, target
}

// TestCleanRoundTrip is the full lifecycle: breakout entry → fill →
// protective legs → break-even modification → target fill → release.
func TestCleanRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	in := longIntent()
	f.register(in, 2)

	res := f.adapter.SubmitStopEntry(ctx, in, 2, "")
	if !res.OK {
		t.Fatalf("SubmitStopEntry: %+v", res)
	}
	f.account.DeliverPending()

	if !f.jnl.IsIntentSubmitted(testDate, testStream, in.ID()) {
		t.Fatalf("submission not journaled")
	}

	// Entry fills 2 @ 4500.25.
	if err := f.account.Fill(res.BrokerID, 2, decimal.RequireFromString("4500.25")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	stop, target := f.protectiveOrders(in.ID())
	if stop == nil || target == nil {
		t.Fatalf("protective legs missing after entry fill: stop=%v target=%v", stop, target)
	}
	if stop.Quantity != 2 || target.Quantity != 2 {
		t.Fatalf("protective legs sized wrong: stop=%d target=%d", stop.Quantity, target.Quantity)
	}
	if f.account.WorkingCount() != 2 {
		t.Fatalf("working orders = %d, want 2 (stop+target)", f.account.WorkingCount())
	}
	rec, ok := f.coord.Exposure(in.ID())
	if !ok || rec.EntryFilled != 2 {
		t.Fatalf("coordinator exposure = %+v", rec)
	}
	f.account.DeliverPending() // protective acks

	// Break-even: stop moves to the entry price.
	be := f.adapter.ModifyStopToBreakEven(ctx, in)
	if !be.OK {
		t.Fatalf("ModifyStopToBreakEven: %+v", be)
	}
	snap, err := f.adapter.AccountSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var found bool
	for _, wo := range snap.Working {
		if wo.Type == types.OrderStop {
			found = true
			if !wo.StopPrice.Decimal.Equal(decimal.RequireFromString("4500.00")) {
				t.Fatalf("stop not at break-even: %v", wo.StopPrice)
			}
		}
	}
	if !found {
		t.Fatalf("stop missing from snapshot after BE modify")
	}

	// Second BE call must be dropped by the journal guard.
	if again := f.adapter.ModifyStopToBreakEven(ctx, in); !again.Blocked || again.Reason != broker.BlockBEAlreadyModified {
		t.Fatalf("duplicate BE call not dropped: %+v", again)
	}

	// Target fills at 4510; exposure releases, sibling stop comes off.
	f.account.LastTrade(decimal.RequireFromString("4510.00"))
	if _, ok := f.coord.Exposure(in.ID()); ok {
		t.Fatalf("exposure not released after target fill")
	}
	if f.account.WorkingCount() != 0 {
		t.Fatalf("working orders = %d after exit, want 0", f.account.WorkingCount())
	}

	for _, want := range []events.Type{
		events.OrderSubmitAttempt, events.OrderCreatedStopMarket, events.OrderSubmitSuccess,
		events.ExecutionFilled, events.ProtectiveOrdersSubmitted, events.StopModifySuccess,
		events.ExecutionExitFill,
	} {
		if !f.hasEvent(t, want) {
			t.Errorf("event %s missing from stream", want)
		}
	}
}

// TestPartialFillReconciliation covers the two-part fill: protective
// legs sized to 1 after the first partial, resized to 2 after the second.
func TestPartialFillReconciliation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	in := longIntent()
	f.register(in, 2)

	res := f.adapter.SubmitStopEntry(ctx, in, 2, "")
	if !res.OK {
		t.Fatalf("SubmitStopEntry: %+v", res)
	}
	f.account.DeliverPending()

	if err := f.account.Fill(res.BrokerID, 1, decimal.RequireFromString("4500.25")); err != nil {
		t.Fatalf("first partial: %v", err)
	}
	f.account.DeliverPending()
	stop, target := f.protectiveOrders(in.ID())
	if stop == nil || target == nil || stop.Quantity != 1 || target.Quantity != 1 {
		t.Fatalf("after first partial want qty-1 legs, got stop=%+v target=%+v", stop, target)
	}
	entry, _ := f.adapter.Order(res.BrokerID)
	if entry.State != types.StateWorking || entry.FilledQuantity != 1 {
		t.Fatalf("entry after partial: %+v", entry)
	}
	if !f.hasEvent(t, events.ExecutionPartialFill) {
		t.Errorf("EXECUTION_PARTIAL_FILL not emitted")
	}

	if err := f.account.Fill(res.BrokerID, 1, decimal.RequireFromString("4500.50")); err != nil {
		t.Fatalf("second partial: %v", err)
	}
	f.account.DeliverPending()
	stop, target = f.protectiveOrders(in.ID())
	if stop == nil || target == nil || stop.Quantity != 2 || target.Quantity != 2 {
		t.Fatalf("after completion want qty-2 legs, got stop=%+v target=%+v", stop, target)
	}
	entry, _ = f.adapter.Order(res.BrokerID)
	if entry.State != types.StateFilled || entry.FilledQuantity != 2 {
		t.Fatalf("entry after completion: %+v", entry)
	}

	rec, _ := f.coord.Exposure(in.ID())
	if rec.EntryFilled != 2 {
		t.Fatalf("coordinator credited %d, want 2 (sum of deltas)", rec.EntryFilled)
	}
	// Book holds exactly the resized stop and target.
	if f.account.WorkingCount() != 2 {
		t.Fatalf("working orders = %d, want 2", f.account.WorkingCount())
	}
}

// TestBreakoutOCOPair verifies one side filling cancels the other.
func TestBreakoutOCOPair(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	long, short := longIntent(), shortIntent()
	f.register(long, 2)
	f.register(short, 2)

	const oco = "QTSW2:OCO_ENTRY:2025-11-20:NY1:08:30:test-group"
	longRes := f.adapter.SubmitStopEntry(ctx, long, 2, oco)
	shortRes := f.adapter.SubmitStopEntry(ctx, short, 2, oco)
	if !longRes.OK || !shortRes.OK {
		t.Fatalf("pair submit: %+v %+v", longRes, shortRes)
	}
	f.account.DeliverPending()

	// Price breaks up through the long trigger.
	f.account.LastTrade(decimal.RequireFromString("4500.00"))

	longOrder, _ := f.adapter.Order(longRes.BrokerID)
	if longOrder.State != types.StateFilled {
		t.Fatalf("long entry state = %s, want Filled", longOrder.State)
	}
	f.account.DeliverPending() // protective acks; the short leg's cancel arrived with the trade
	shortOrder, _ := f.adapter.Order(shortRes.BrokerID)
	if shortOrder.State != types.StateCancelled {
		t.Fatalf("short entry state = %s, want Cancelled", shortOrder.State)
	}

	// Only the long side accrued exposure.
	if _, ok := f.coord.Exposure(short.ID()); ok {
		if rec, _ := f.coord.Exposure(short.ID()); rec.EntryFilled != 0 {
			t.Fatalf("short side accrued fills: %+v", rec)
		}
	}
	rec, _ := f.coord.Exposure(long.ID())
	if rec.EntryFilled != 2 {
		t.Fatalf("long side fills = %d, want 2", rec.EntryFilled)
	}
}

// TestEntryRejectionJournaled covers a broker rejection of the entry.
func TestEntryRejectionJournaled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	in := longIntent()
	f.register(in, 2)

	res := f.adapter.SubmitStopEntry(ctx, in, 2, "")
	if !res.OK {
		t.Fatalf("SubmitStopEntry: %+v", res)
	}
	if err := f.account.Reject(res.BrokerID, "insufficient margin"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	entry := f.jnl.Lookup(testDate, testStream, in.ID())
	if entry == nil || !entry.Rejected || entry.RejectionReason != "insufficient margin" {
		t.Fatalf("rejection not journaled: %+v", entry)
	}
	if !f.hasEvent(t, events.OrderRejected) {
		t.Errorf("ORDER_REJECTED not emitted")
	}
	// A rejected entry must not trip the protective-failure machinery.
	if len(*f.stoodDown) != 0 {
		t.Fatalf("entry rejection stood the stream down: %v", *f.stoodDown)
	}
}
