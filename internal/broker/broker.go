// Package broker implements the order-submission state machine between
// the engine and the simulation account.
//
// The Adapter owns every robot order at the broker: it is the only
// component that submits, modifies, or cancels, and the only consumer
// of the broker's order-state and execution callbacks. Its job is to
// make the unsafe asynchronous broker surface safe: no duplicate
// entries, no over-fills, no unprotected positions, no untracked
// orders — and when any of those threaten, fail closed (flatten, stand
// the stream down, write an incident, notify).
//
// Concurrency: engine ticks call the public submission methods; the
// broker delivers callbacks on its own goroutines. One mutex serializes
// everything. Broker calls are short, and serialization is what makes
// the per-intent ordering guarantees hold, so blocking inside the lock
// is accepted.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rangebot/internal/coordinator"
	"rangebot/internal/events"
	"rangebot/internal/journal"
	"rangebot/internal/metrics"
	"rangebot/internal/notify"
	"rangebot/internal/tags"
	"rangebot/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Low-level broker client
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is one order handed to the broker.
type OrderRequest struct {
	Instrument string
	Side       types.Side
	Type       types.OrderType
	Quantity   int
	LimitPrice decimal.NullDecimal
	StopPrice  decimal.NullDecimal
	Tag        string
	OCOGroup   string
}

// PlacedOrder is the broker's acknowledgement of a placed order. Tag is
// read back from the constructed broker object, not echoed from the
// request: tag verification compares the two.
type PlacedOrder struct {
	BrokerID string
	Tag      string
	Quantity int
}

// Client is the capability surface of the underlying broker account.
// The simulation account implements it in-process; nothing
// broker-specific leaks through it.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (PlacedOrder, error)
	// ModifyOrderPrice changes the trigger/limit price of a working order.
	// Brokers are assumed not to permit size changes on working orders;
	// quantity reconciliation is cancel-and-recreate.
	ModifyOrderPrice(ctx context.Context, brokerID string, price decimal.Decimal) error
	CancelOrder(ctx context.Context, brokerID string) error
	// FlattenPosition markets out the net position for an instrument.
	FlattenPosition(ctx context.Context, instrument string) error
	Snapshot(ctx context.Context) (types.AccountSnapshot, error)
}

// OrderStateUpdate is a lifecycle notification from the broker.
type OrderStateUpdate struct {
	BrokerID    string
	State       types.OrderState
	AckQuantity int    // broker's acknowledged order quantity, 0 if not reported
	Reason      string // rejection reason when State == Rejected
}

// ExecutionUpdate is a fill notification. Quantity is this execution's
// quantity — a delta, not a cumulative total.
type ExecutionUpdate struct {
	BrokerID   string
	Tag        string
	Instrument string
	Quantity   int
	Price      decimal.Decimal
	Time       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// In-memory tracking
// ————————————————————————————————————————————————————————————————————————

// OrderInfo is the adapter's in-memory record of one tracked order.
type OrderInfo struct {
	BrokerID       string
	IntentID       string
	Type           types.OrderType
	Side           types.Side
	Quantity       int
	LimitPrice     decimal.NullDecimal
	StopPrice      decimal.NullDecimal
	State          types.OrderState
	FilledQuantity int // cumulative across partial fills
	EntryFillTime  time.Time
}

// intentState tracks everything the adapter holds for one intent.
type intentState struct {
	intent        *types.Intent
	entryOrderIDs []string // one id, or two for an OCO breakout pair
	stopOrderID      string
	targetOrderID    string
	stopAcked        bool
	targetAcked      bool
	protectiveFailed bool
	watchdog         *time.Timer
}

func (st *intentState) activeOrFilledEntry(orders map[string]*OrderInfo) *OrderInfo {
	for _, id := range st.entryOrderIDs {
		if o, ok := orders[id]; ok && (o.State.Active() || o.State == types.StateFilled) {
			return o
		}
	}
	return nil
}

func (st *intentState) entryFilled(orders map[string]*OrderInfo) int {
	total := 0
	for _, id := range st.entryOrderIDs {
		if o, ok := orders[id]; ok {
			total += o.FilledQuantity
		}
	}
	return total
}

// ————————————————————————————————————————————————————————————————————————
// Adapter
// ————————————————————————————————————————————————————————————————————————

// Config tunes the adapter's bindings and safety timings.
type Config struct {
	Account             string
	TradingDate         string
	Stream              string
	CanonicalInstrument string
	ExecutionInstrument string
	ContractMultiplier  decimal.Decimal
	ProtectiveRetries   int
	ProtectiveBackoff   time.Duration
	WatchdogTimeout     time.Duration
	MismatchLogInterval time.Duration
}

// Adapter is the order-submission state machine. It exclusively owns
// the order map, the intent map, the policy map, and the
// emergency-triggered set.
type Adapter struct {
	mu sync.Mutex

	cfg      Config
	client   Client
	journal  *journal.Journal
	coord    *coordinator.Coordinator
	log      *events.Log
	notifier *notify.Notifier
	logger   *slog.Logger

	standDown func(stream string)
	incidents *incidentWriter

	orders        map[string]*OrderInfo     // broker id → order
	intents       map[string]*intentState   // intent id → state
	policies      map[string]types.IntentPolicy
	emergencyDone map[string]bool // intent ids whose emergency handler already ran

	mismatchLog *logThrottle
}

// New wires the adapter. standDown suspends a stream; it must be safe to
// call from broker callback goroutines.
func New(cfg Config, client Client, jnl *journal.Journal, coord *coordinator.Coordinator,
	log *events.Log, notifier *notify.Notifier, standDown func(stream string),
	incidentDir string, logger *slog.Logger) (*Adapter, error) {

	if client == nil {
		return nil, errors.New("broker: nil client")
	}
	if cfg.ProtectiveRetries <= 0 {
		cfg.ProtectiveRetries = 3
	}
	if cfg.ProtectiveBackoff <= 0 {
		cfg.ProtectiveBackoff = 100 * time.Millisecond
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 10 * time.Second
	}
	if cfg.MismatchLogInterval <= 0 {
		cfg.MismatchLogInterval = time.Minute
	}

	inc, err := newIncidentWriter(incidentDir)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		cfg:           cfg,
		client:        client,
		journal:       jnl,
		coord:         coord,
		log:           log,
		notifier:      notifier,
		logger:        logger.With("component", "broker-adapter"),
		standDown:     standDown,
		incidents:     inc,
		orders:        make(map[string]*OrderInfo),
		intents:       make(map[string]*intentState),
		policies:      make(map[string]types.IntentPolicy),
		emergencyDone: make(map[string]bool),
		mismatchLog:   newLogThrottle(cfg.MismatchLogInterval),
	}, nil
}

// RegisterPolicy declares the quantity expectation for an intent.
// Submissions for intents with no registered policy are hard-blocked.
func (a *Adapter) RegisterPolicy(policy types.IntentPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies[policy.IntentID] = policy
}

// AccountSnapshot returns the broker's current positions and working
// orders.
func (a *Adapter) AccountSnapshot(ctx context.Context) (types.AccountSnapshot, error) {
	return a.client.Snapshot(ctx)
}

// CancelRobotOwnedWorkingOrders cancels every working order whose tag
// carries the robot prefix. Foreign orders are never touched. Returns
// how many cancels were issued.
func (a *Adapter) CancelRobotOwnedWorkingOrders(ctx context.Context) (int, error) {
	snap, err := a.client.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot for cancel: %w", err)
	}

	cancelled := 0
	for _, wo := range snap.Working {
		if !tags.IsRobotOwned(wo.Tag) {
			continue
		}
		if err := a.client.CancelOrder(ctx, wo.BrokerID); err != nil {
			a.logger.Error("cancel robot order failed", "broker_id", wo.BrokerID, "error", err)
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// Order returns a copy of a tracked order, for tests and the ops API.
func (a *Adapter) Order(brokerID string) (OrderInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[brokerID]
	if !ok {
		return OrderInfo{}, false
	}
	return *o, true
}

// TrackedOrders returns copies of all tracked orders.
func (a *Adapter) TrackedOrders() []OrderInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OrderInfo, 0, len(a.orders))
	for _, o := range a.orders {
		out = append(out, *o)
	}
	return out
}

// intentForLocked resolves an intent id to the intent the adapter tracks.
func (a *Adapter) intentForLocked(intentID string) *types.Intent {
	if st, ok := a.intents[intentID]; ok {
		return st.intent
	}
	return nil
}

// runEmergencyLocked executes the quantity-mismatch/overfill emergency
// exactly once per intent: cancel the intent's orders, flatten, stand
// down, notify at emergency priority.
func (a *Adapter) runEmergencyLocked(ctx context.Context, st *intentState, eventType events.Type, payload map[string]any) {
	id := st.intent.ID()
	if a.emergencyDone[id] {
		return
	}
	a.emergencyDone[id] = true

	metrics.Emergencies.WithLabelValues(string(eventType)).Inc()
	a.log.Emit(eventType, id, a.cfg.ExecutionInstrument, payload)

	for _, orderID := range st.allOrderIDs() {
		if o, ok := a.orders[orderID]; ok && o.State.Active() {
			if err := a.client.CancelOrder(ctx, orderID); err != nil {
				a.logger.Error("emergency cancel failed", "broker_id", orderID, "error", err)
			}
		}
	}
	a.flattenWithRetryLocked(ctx, a.cfg.ExecutionInstrument)
	if a.standDown != nil {
		a.standDown(st.intent.Stream)
	}

	if err := a.notifier.Send(ctx, notify.Message{
		Priority: notify.Emergency,
		Title:    string(eventType),
		Stream:   st.intent.Stream,
		IntentID: id,
		Fields:   payload,
	}); err != nil {
		a.logger.Error("emergency notification failed", "error", err)
	}
}

func (st *intentState) allOrderIDs() []string {
	ids := append([]string(nil), st.entryOrderIDs...)
	if st.stopOrderID != "" {
		ids = append(ids, st.stopOrderID)
	}
	if st.targetOrderID != "" {
		ids = append(ids, st.targetOrderID)
	}
	return ids
}

// flattenWithRetryLocked markets out the instrument with the bounded
// retry policy. Failure after the last attempt is reported to the
// caller's incident path by the return value.
func (a *Adapter) flattenWithRetryLocked(ctx context.Context, instrument string) bool {
	var lastErr error
	for attempt := 0; attempt < a.cfg.ProtectiveRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.cfg.ProtectiveBackoff)
		}
		if lastErr = a.client.FlattenPosition(ctx, instrument); lastErr == nil {
			return true
		}
		a.logger.Error("flatten attempt failed",
			"instrument", instrument, "attempt", attempt+1, "error", lastErr)
	}
	return false
}
