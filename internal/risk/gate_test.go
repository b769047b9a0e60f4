package risk

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rangebot/internal/events"
	"rangebot/internal/killswitch"
	"rangebot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testIntent() *types.Intent {
	return &types.Intent{
		TradingDate:         "2025-11-20",
		Stream:              "NY1",
		CanonicalInstrument: "ES",
		ExecutionInstrument: "MES",
		Session:             "AM",
		SlotTime:            "08:30",
		Direction:           types.Long,
		StopPrice:           decimal.RequireFromString("4495.00"),
		TargetPrice:         decimal.RequireFromString("4510.00"),
		BETrigger:           decimal.RequireFromString("4502.50"),
	}
}

// gateFixture bundles a gate with the mutable pieces tests flip.
type gateFixture struct {
	gate     *Gate
	schedule *Schedule
	ksPath   string
}

func newFixture(t *testing.T) *gateFixture {
	t.Helper()
	dir := t.TempDir()
	log, err := events.Open(dir, "2025-11-20", testLogger())
	if err != nil {
		t.Fatalf("events.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	ksPath := filepath.Join(dir, "kill_switch.json")
	ks := killswitch.New(ksPath, time.Millisecond, testLogger())
	sched := NewSchedule(map[string][]string{"AM": {"08:30", "09:00"}}, "NY1", true)

	return &gateFixture{
		gate:     NewGate(sched, ks, log, testLogger()),
		schedule: sched,
		ksPath:   ksPath,
	}
}

func TestAllGatesPass(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	d := f.gate.Check(testIntent())
	if !d.Allowed {
		t.Fatalf("expected allowed, got blocked: %s", d.Reason)
	}
	if len(d.Gates) != 6 {
		t.Fatalf("want 6 gate statuses, got %d", len(d.Gates))
	}
	for _, g := range d.Gates {
		if !g.Passed {
			t.Errorf("gate %s did not pass: %+v", g.Name, g)
		}
	}
}

func TestRecoveryGuardBlocksFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.gate.SetRecovering(true)

	d := f.gate.Check(testIntent())
	if d.Allowed || d.Reason != ReasonRecoveryInProgress {
		t.Fatalf("want %s, got %+v", ReasonRecoveryInProgress, d)
	}
	// Later gates must be reported as skipped, not evaluated.
	for _, g := range d.Gates[1:] {
		if !g.Skipped {
			t.Errorf("gate %s should be skipped after first failure", g.Name)
		}
	}

	f.gate.SetRecovering(false)
	if d := f.gate.Check(testIntent()); !d.Allowed {
		t.Fatalf("released recovery guard should allow: %s", d.Reason)
	}
}

func TestKillSwitchBlocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := os.WriteFile(f.ksPath, []byte(`{"enabled": true, "message": "manual halt"}`), 0o600); err != nil {
		t.Fatalf("write kill switch: %v", err)
	}
	time.Sleep(2 * time.Millisecond) // let the TTL cache expire

	d := f.gate.Check(testIntent())
	if d.Allowed || d.Reason != ReasonKillSwitch {
		t.Fatalf("want %s, got %+v", ReasonKillSwitch, d)
	}
}

func TestStandDownBlocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.schedule.StandDown("NY1")
	d := f.gate.Check(testIntent())
	if d.Allowed || d.Reason != ReasonStreamNotArmed {
		t.Fatalf("want %s, got %+v", ReasonStreamNotArmed, d)
	}

	f.schedule.Arm("NY1")
	if d := f.gate.Check(testIntent()); !d.Allowed {
		t.Fatalf("re-armed stream should pass: %s", d.Reason)
	}
}

func TestUnknownSessionBlocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	in := testIntent()
	in.Session = "OVERNIGHT"
	d := f.gate.Check(in)
	if d.Allowed || d.Reason != ReasonSessionUnknown {
		t.Fatalf("want %s, got %+v", ReasonSessionUnknown, d)
	}
}

func TestSlotNotAllowedBlocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	in := testIntent()
	in.SlotTime = "11:30"
	d := f.gate.Check(in)
	if d.Allowed || d.Reason != ReasonSlotNotAllowed {
		t.Fatalf("want %s, got %+v", ReasonSlotNotAllowed, d)
	}
}

func TestTradingDateUnsetBlocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	in := testIntent()
	in.TradingDate = ""
	d := f.gate.Check(in)
	if d.Allowed || d.Reason != ReasonTradingDateUnset {
		t.Fatalf("want %s, got %+v", ReasonTradingDateUnset, d)
	}
}
