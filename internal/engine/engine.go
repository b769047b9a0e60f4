// Package engine is the central orchestrator of the execution robot.
//
// It wires together all subsystems:
//
//  1. The risk gate screens every intent before any broker call.
//  2. The adapter owns order submission and the broker callbacks.
//  3. The coordinator accounts for per-intent exposure.
//  4. The journal and event stream make every decision durable.
//  5. The simulation account stands in for the broker.
//
// Lifecycle: New() → Start() (recovery, then accepting intents) → Stop().
// The strategy layer drives Execute/ExecuteBreakout from its tick and
// OnMarketTrade from its data feed; everything else is callbacks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rangebot/internal/broker"
	"rangebot/internal/broker/sim"
	"rangebot/internal/config"
	"rangebot/internal/coordinator"
	"rangebot/internal/events"
	"rangebot/internal/journal"
	"rangebot/internal/killswitch"
	"rangebot/internal/metrics"
	"rangebot/internal/notify"
	"rangebot/internal/risk"
	"rangebot/internal/tags"
	"rangebot/pkg/types"
)

// Engine turns intents into adapter calls and owns component lifecycle.
type Engine struct {
	cfg      config.Config
	logger   *slog.Logger
	log      *events.Log
	ks       *killswitch.Switch
	schedule *risk.Schedule
	gate     *risk.Gate
	coord    *coordinator.Coordinator
	jnl      *journal.Journal
	adapter  *broker.Adapter
	account  *sim.Account
	notifier *notify.Notifier

	beDone   map[string]bool // intent ids whose BE trigger already dispatched
	beDoneMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	eventsDir := filepath.Join(filepath.Dir(cfg.Journal.DataDir), "execution_events")
	log, err := events.Open(eventsDir, cfg.Robot.TradingDate, logger)
	if err != nil {
		return nil, err
	}

	schedule := risk.NewSchedule(cfg.Schedule.Sessions, cfg.Robot.Stream, cfg.Schedule.Armed)
	ks := killswitch.New(cfg.KillSwitch.Path, cfg.KillSwitch.CacheTTL, logger)
	notifier := notify.New(cfg.Notify.WebhookURL, cfg.Notify.Timeout, cfg.DryRun, logger)

	jnl, err := journal.Open(cfg.Journal.DataDir, log, func(date, stream, intentID string, cerr error) {
		schedule.StandDown(stream)
	}, logger)
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(schedule.StandDown, log, logger)
	account := sim.NewAccount(cfg.Broker.Account)

	multiplier := decimal.Zero
	if cfg.Robot.ContractMultiplier != "" {
		multiplier, err = decimal.NewFromString(cfg.Robot.ContractMultiplier)
		if err != nil {
			return nil, fmt.Errorf("robot.contract_multiplier: %w", err)
		}
	}

	adapter, err := broker.New(broker.Config{
		Account:             cfg.Broker.Account,
		TradingDate:         cfg.Robot.TradingDate,
		Stream:              cfg.Robot.Stream,
		CanonicalInstrument: cfg.Robot.CanonicalInstrument,
		ExecutionInstrument: cfg.Robot.ExecutionInstrument,
		ContractMultiplier:  multiplier,
		ProtectiveRetries:   cfg.Broker.ProtectiveRetries,
		ProtectiveBackoff:   cfg.Broker.ProtectiveBackoff,
		WatchdogTimeout:     cfg.Broker.WatchdogTimeout,
		MismatchLogInterval: cfg.Broker.MismatchLogInterval,
	}, account, jnl, coord, log, notifier, schedule.StandDown, cfg.Journal.IncidentDir, logger)
	if err != nil {
		return nil, err
	}

	account.SetHandlers(
		func(upd broker.OrderStateUpdate) { adapter.OnOrderStateUpdate(context.Background(), upd) },
		func(exec broker.ExecutionUpdate) { adapter.OnExecutionUpdate(context.Background(), exec) },
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		log:      log,
		ks:       ks,
		schedule: schedule,
		gate:     risk.NewGate(schedule, ks, log, logger),
		coord:    coord,
		jnl:      jnl,
		adapter:  adapter,
		account:  account,
		notifier: notifier,
		beDone:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start reconciles the account and launches the background pumps.
func (e *Engine) Start() error {
	if err := e.Recover(e.ctx); err != nil {
		return err
	}

	// Acknowledgement pump: the simulation account queues order acks so
	// it never calls back into the adapter mid-placement; drain them on
	// a short interval.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.account.DeliverPending()
			}
		}
	}()

	// Gauge pump for dashboards: kill-switch state and net open exposure.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if e.ks.Enabled() {
					metrics.KillSwitchEnabled.Set(1)
				} else {
					metrics.KillSwitchEnabled.Set(0)
				}
				open := 0
				for _, rec := range e.coord.Snapshot() {
					open += rec.EntryFilled - rec.ExitFilled
				}
				metrics.OpenExposure.Set(float64(open))
			}
		}
	}()

	e.logger.Info("engine started",
		"stream", e.cfg.Robot.Stream,
		"instrument", e.cfg.Robot.ExecutionInstrument,
		"trading_date", e.cfg.Robot.TradingDate,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop cancels background work, cancels robot-owned working orders as a
// safety net, and closes the event stream.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := e.adapter.CancelRobotOwnedWorkingOrders(shutdownCtx); err != nil {
		e.logger.Error("shutdown cancel failed", "error", err)
	} else if n > 0 {
		e.logger.Warn("cancelled robot orders on shutdown", "count", n)
	}

	e.wg.Wait()
	if err := e.log.Close(); err != nil {
		e.logger.Error("event log close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// Recover snapshots the account and rebuilds adapter state with the
// gate's recovery guard engaged, so nothing can submit against an
// untrusted account.
func (e *Engine) Recover(ctx context.Context) error {
	e.gate.SetRecovering(true)
	defer e.gate.SetRecovering(false)
	return e.adapter.Reconcile(ctx)
}

// Execute runs one directional intent through the full sequence:
// gate → policy/expectation registration → entry submission.
func (e *Engine) Execute(ctx context.Context, intent *types.Intent, qty int) broker.SubmitResult {
	if d := e.gate.Check(intent); !d.Allowed {
		metrics.Blocks.WithLabelValues(d.Reason).Inc()
		return broker.SubmitResult{Blocked: true, Reason: d.Reason}
	}

	e.registerIntent(intent, qty)
	res := e.adapter.SubmitEntry(ctx, intent, qty)
	e.account.DeliverPending()
	return res
}

// ExecuteBreakout places the symmetric breakout pair: a long stop and a
// short stop sharing one OCO group, so at most one side can fill.
func (e *Engine) ExecuteBreakout(ctx context.Context, long, short *types.Intent, qty int) (broker.SubmitResult, broker.SubmitResult) {
	if d := e.gate.Check(long); !d.Allowed {
		metrics.Blocks.WithLabelValues(d.Reason).Inc()
		res := broker.SubmitResult{Blocked: true, Reason: d.Reason}
		return res, res
	}

	oco := tags.NewOCOGroup(long.TradingDate, long.Stream, long.SlotTime)
	e.registerIntent(long, qty)
	e.registerIntent(short, qty)

	longRes := e.adapter.SubmitStopEntry(ctx, long, qty, oco)
	shortRes := e.adapter.SubmitStopEntry(ctx, short, qty, oco)
	e.account.DeliverPending()
	return longRes, shortRes
}

// OnMarketTrade feeds a last-trade price into the simulation account,
// triggering any resting entries, stops, or targets, then delivers the
// queued acknowledgements. It does not check break-even triggers; those
// are dispatched through OnBreakEvenTrigger.
func (e *Engine) OnMarketTrade(ctx context.Context, price decimal.Decimal) {
	e.account.LastTrade(price)
	e.account.DeliverPending()
}

// OnBreakEvenTrigger moves an intent's protective stop to break-even
// when the last trade has reached the trigger. Dispatches at most once
// per intent; the journal guard inside the adapter backstops restarts.
func (e *Engine) OnBreakEvenTrigger(ctx context.Context, intent *types.Intent, lastTrade decimal.Decimal) broker.SubmitResult {
	if !beTriggered(intent, lastTrade) {
		return broker.SubmitResult{Blocked: true, Reason: "BE_TRIGGER_NOT_REACHED"}
	}

	id := intent.ID()
	e.beDoneMu.Lock()
	if e.beDone[id] {
		e.beDoneMu.Unlock()
		return broker.SubmitResult{Blocked: true, Reason: broker.BlockBEAlreadyModified}
	}
	e.beDone[id] = true
	e.beDoneMu.Unlock()

	return e.adapter.ModifyStopToBreakEven(ctx, intent)
}

func beTriggered(intent *types.Intent, lastTrade decimal.Decimal) bool {
	if intent.Direction == types.Short {
		return lastTrade.LessThanOrEqual(intent.BETrigger)
	}
	return lastTrade.GreaterThanOrEqual(intent.BETrigger)
}

func (e *Engine) registerIntent(intent *types.Intent, qty int) {
	e.adapter.RegisterPolicy(types.IntentPolicy{
		IntentID:            intent.ID(),
		ExpectedQuantity:    qty,
		MaxQuantity:         qty,
		Source:              e.cfg.Robot.Source,
		CanonicalInstrument: intent.CanonicalInstrument,
		ExecutionInstrument: intent.ExecutionInstrument,
	})
	e.coord.RegisterExpectation(intent, qty)
}

// Events exposes the event fan-out for the ops stream server.
func (e *Engine) Events() <-chan events.Event {
	return e.log.Events()
}

// Exposures returns the coordinator's live exposure records.
func (e *Engine) Exposures() []coordinator.Exposure {
	return e.coord.Snapshot()
}

// TrackedOrders returns the adapter's live order tracking.
func (e *Engine) TrackedOrders() []broker.OrderInfo {
	return e.adapter.TrackedOrders()
}

// Adapter exposes the adapter for strategy-side wiring.
func (e *Engine) Adapter() *broker.Adapter {
	return e.adapter
}

// Account exposes the simulation account for test and strategy drivers.
func (e *Engine) Account() *sim.Account {
	return e.account
}

// StandDown suspends a stream manually.
func (e *Engine) StandDown(stream string) {
	e.schedule.StandDown(stream)
}

// Arm re-arms a stream after operator review.
func (e *Engine) Arm(stream string) {
	e.schedule.Arm(stream)
}
