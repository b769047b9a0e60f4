// Package sim is the in-process simulation account.
//
// It implements broker.Client against an in-memory working-order book
// with OCO linkage, stop/limit triggering off last-trade prices, and
// signed net positions. It is the account the engine trades in sim mode
// and the harness every adapter test drives.
//
// Callback discipline: the adapter calls Client methods while holding
// its own mutex, so the account never invokes a callback from inside
// those methods. Order placements queue their acknowledgement events;
// DeliverPending drains the queue synchronously. Market-driven methods
// (LastTrade, Fill, Reject) are called from outside the adapter and
// deliver synchronously.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rangebot/internal/broker"
	"rangebot/pkg/types"
)

type order struct {
	req      broker.OrderRequest
	brokerID string
	filled   int
}

type position struct {
	qty int
	avg decimal.Decimal
}

// Account is a simulated broker account.
type Account struct {
	mu        sync.Mutex
	name      string
	orders    map[string]*order   // working book, by broker id
	positions map[string]position // by instrument
	lastPrice decimal.Decimal

	onState func(broker.OrderStateUpdate)
	onExec  func(broker.ExecutionUpdate)

	pending []broker.OrderStateUpdate // queued acks awaiting DeliverPending

	// Tag mangling hook for tag-verification tests: when set, the next
	// placements return this tag instead of the requested one.
	mangleTag   string
	mangleCount int
}

// NewAccount creates an empty simulation account.
func NewAccount(name string) *Account {
	return &Account{
		name:      name,
		orders:    make(map[string]*order),
		positions: make(map[string]position),
	}
}

// SetHandlers wires the adapter's callback intake.
func (a *Account) SetHandlers(onState func(broker.OrderStateUpdate), onExec func(broker.ExecutionUpdate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = onState
	a.onExec = onExec
}

// ————————————————————————————————————————————————————————————————————————
// broker.Client
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder accepts an order onto the working book and queues its
// Accepted/Working acknowledgements.
func (a *Account) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlacedOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Quantity <= 0 {
		return broker.PlacedOrder{}, fmt.Errorf("sim: quantity must be positive, got %d", req.Quantity)
	}

	id := uuid.NewString()
	tag := req.Tag
	if a.mangleCount > 0 {
		tag = a.mangleTag
		a.mangleCount--
	}

	o := &order{req: req, brokerID: id}
	o.req.Tag = tag
	a.orders[id] = o

	a.pending = append(a.pending,
		broker.OrderStateUpdate{BrokerID: id, State: types.StateAccepted, AckQuantity: req.Quantity},
		broker.OrderStateUpdate{BrokerID: id, State: types.StateWorking},
	)

	return broker.PlacedOrder{BrokerID: id, Tag: tag, Quantity: req.Quantity}, nil
}

// ModifyOrderPrice changes a working order's trigger/limit price.
func (a *Account) ModifyOrderPrice(ctx context.Context, brokerID string, price decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[brokerID]
	if !ok {
		return fmt.Errorf("sim: no working order %s", brokerID)
	}
	d := decimal.NewNullDecimal(price)
	if o.req.StopPrice.Valid {
		o.req.StopPrice = d
	} else {
		o.req.LimitPrice = d
	}
	return nil
}

// CancelOrder removes a working order and queues its Cancelled state.
func (a *Account) CancelOrder(ctx context.Context, brokerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.orders[brokerID]; !ok {
		return fmt.Errorf("sim: no working order %s", brokerID)
	}
	delete(a.orders, brokerID)
	a.pending = append(a.pending, broker.OrderStateUpdate{BrokerID: brokerID, State: types.StateCancelled})
	return nil
}

// FlattenPosition zeroes the instrument's net position directly, the
// way the simulation broker's flatten facility works: no resting order,
// no fill callback.
func (a *Account) FlattenPosition(ctx context.Context, instrument string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.positions, instrument)
	return nil
}

// Snapshot returns current positions and working orders.
func (a *Account) Snapshot(ctx context.Context) (types.AccountSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := types.AccountSnapshot{Taken: time.Now().UTC()}
	for instrument, pos := range a.positions {
		if pos.qty == 0 {
			continue
		}
		snap.Positions = append(snap.Positions, types.AccountPosition{
			Instrument: instrument, Quantity: pos.qty, AveragePrice: pos.avg,
		})
	}
	for _, o := range a.orders {
		snap.Working = append(snap.Working, types.WorkingOrder{
			BrokerID:   o.brokerID,
			Instrument: o.req.Instrument,
			Tag:        o.req.Tag,
			OCOGroup:   o.req.OCOGroup,
			Type:       o.req.Type,
			LimitPrice: o.req.LimitPrice,
			StopPrice:  o.req.StopPrice,
			Quantity:   o.req.Quantity - o.filled,
		})
	}
	return snap, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market and test drivers
// ————————————————————————————————————————————————————————————————————————

// DeliverPending synchronously delivers queued acknowledgement events.
// Call from outside the adapter's lock.
func (a *Account) DeliverPending() {
	a.mu.Lock()
	queue := a.pending
	a.pending = nil
	onState := a.onState
	a.mu.Unlock()

	if onState == nil {
		return
	}
	for _, upd := range queue {
		onState(upd)
	}
}

// LastTrade advances the simulated market: market orders fill, stop and
// limit orders whose trigger conditions the price satisfies fill in
// full, and filled orders take their OCO siblings off the book.
func (a *Account) LastTrade(price decimal.Decimal) {
	a.mu.Lock()
	a.lastPrice = price

	var fills []*order
	for _, o := range a.orders {
		if triggered(o.req, price) {
			fills = append(fills, o)
		}
	}

	type delivery struct {
		exec  broker.ExecutionUpdate
		state broker.OrderStateUpdate
	}
	var deliveries []delivery
	var cancelled []string

	for _, o := range fills {
		if _, live := a.orders[o.brokerID]; !live {
			continue // already removed as an OCO sibling this tick
		}
		fillPrice := executionPrice(o.req, price)
		remaining := o.req.Quantity - o.filled
		o.filled = o.req.Quantity
		delete(a.orders, o.brokerID)
		a.applyFillLocked(o.req, remaining, fillPrice)
		cancelled = append(cancelled, a.cancelSiblingsLocked(o)...)

		deliveries = append(deliveries, delivery{
			exec: broker.ExecutionUpdate{
				BrokerID:   o.brokerID,
				Tag:        o.req.Tag,
				Instrument: o.req.Instrument,
				Quantity:   remaining,
				Price:      fillPrice,
				Time:       time.Now().UTC(),
			},
			state: broker.OrderStateUpdate{BrokerID: o.brokerID, State: types.StateFilled},
		})
	}
	onExec, onState := a.onExec, a.onState
	a.mu.Unlock()

	for _, d := range deliveries {
		if onExec != nil {
			onExec(d.exec)
		}
		if onState != nil {
			onState(d.state)
		}
	}
	for _, id := range cancelled {
		if onState != nil {
			onState(broker.OrderStateUpdate{BrokerID: id, State: types.StateCancelled})
		}
	}
}

// Fill injects a (possibly partial) fill on one working order.
func (a *Account) Fill(brokerID string, qty int, price decimal.Decimal) error {
	a.mu.Lock()
	o, ok := a.orders[brokerID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("sim: no working order %s", brokerID)
	}
	o.filled += qty
	full := o.filled >= o.req.Quantity
	var cancelled []string
	if full {
		delete(a.orders, brokerID)
		cancelled = a.cancelSiblingsLocked(o)
	}
	a.applyFillLocked(o.req, qty, price)
	onExec, onState := a.onExec, a.onState
	req := o.req
	a.mu.Unlock()

	if onExec != nil {
		onExec(broker.ExecutionUpdate{
			BrokerID:   brokerID,
			Tag:        req.Tag,
			Instrument: req.Instrument,
			Quantity:   qty,
			Price:      price,
			Time:       time.Now().UTC(),
		})
	}
	if onState != nil && full {
		onState(broker.OrderStateUpdate{BrokerID: brokerID, State: types.StateFilled})
	}
	for _, id := range cancelled {
		if onState != nil {
			onState(broker.OrderStateUpdate{BrokerID: id, State: types.StateCancelled})
		}
	}
	return nil
}

// Reject refuses a working order, delivering the Rejected state.
func (a *Account) Reject(brokerID, reason string) error {
	a.mu.Lock()
	if _, ok := a.orders[brokerID]; !ok {
		a.mu.Unlock()
		return fmt.Errorf("sim: no working order %s", brokerID)
	}
	delete(a.orders, brokerID)
	onState := a.onState
	a.mu.Unlock()

	if onState != nil {
		onState(broker.OrderStateUpdate{BrokerID: brokerID, State: types.StateRejected, Reason: reason})
	}
	return nil
}

// MangleNextTags makes the next n placements come back with the given
// tag, for tag-verification tests.
func (a *Account) MangleNextTags(tag string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mangleTag = tag
	a.mangleCount = n
}

// PositionQty returns the signed net position for an instrument.
func (a *Account) PositionQty(instrument string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[instrument].qty
}

// WorkingCount returns how many orders rest on the book.
func (a *Account) WorkingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

// ————————————————————————————————————————————————————————————————————————
// internals
// ————————————————————————————————————————————————————————————————————————

func (a *Account) applyFillLocked(req broker.OrderRequest, qty int, price decimal.Decimal) {
	pos := a.positions[req.Instrument]
	signed := qty
	if req.Side == types.Sell {
		signed = -qty
	}
	newQty := pos.qty + signed
	if (pos.qty >= 0) == (signed >= 0) && pos.qty != 0 {
		total := pos.avg.Mul(decimal.NewFromInt(int64(abs(pos.qty)))).
			Add(price.Mul(decimal.NewFromInt(int64(abs(signed)))))
		pos.avg = total.Div(decimal.NewFromInt(int64(abs(newQty))))
	} else if pos.qty == 0 {
		pos.avg = price
	}
	pos.qty = newQty
	if pos.qty == 0 {
		delete(a.positions, req.Instrument)
		return
	}
	a.positions[req.Instrument] = pos
}

func (a *Account) cancelSiblingsLocked(filled *order) []string {
	if filled.req.OCOGroup == "" {
		return nil
	}
	var cancelled []string
	for id, o := range a.orders {
		if o.req.OCOGroup == filled.req.OCOGroup {
			delete(a.orders, id)
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// triggered decides whether a working order executes at this trade price.
func triggered(req broker.OrderRequest, price decimal.Decimal) bool {
	switch {
	case req.Type == types.OrderMarket:
		return true
	case req.StopPrice.Valid:
		if req.Side == types.Buy {
			return price.GreaterThanOrEqual(req.StopPrice.Decimal)
		}
		return price.LessThanOrEqual(req.StopPrice.Decimal)
	case req.LimitPrice.Valid:
		if req.Side == types.Buy {
			return price.LessThanOrEqual(req.LimitPrice.Decimal)
		}
		return price.GreaterThanOrEqual(req.LimitPrice.Decimal)
	default:
		return false
	}
}

// executionPrice fills stops at their trigger, limits at their limit,
// market orders at the trade price.
func executionPrice(req broker.OrderRequest, price decimal.Decimal) decimal.Decimal {
	switch {
	case req.Type == types.OrderMarket:
		return price
	case req.StopPrice.Valid:
		return req.StopPrice.Decimal
	case req.LimitPrice.Valid:
		return req.LimitPrice.Decimal
	default:
		return price
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
