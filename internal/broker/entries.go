// entries.go implements entry submission: the pre-submission invariant
// checks, immediate and breakout-stop entries, and tag verification.
package broker

import (
	"context"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"rangebot/internal/events"
	"rangebot/internal/journal"
	"rangebot/internal/metrics"
	"rangebot/internal/tags"
	"rangebot/pkg/types"
)

// Block reasons surfaced in SubmitResult and the event stream.
const (
	BlockNoPolicy           = "POLICY_NOT_REGISTERED"
	BlockBadQuantity        = "QUANTITY_INVALID"
	BlockQuantityExceeded   = "QUANTITY_EXCEEDS_EXPECTATION"
	BlockMaxExceeded        = "QUANTITY_EXCEEDS_MAX"
	BlockInstrumentMismatch = "INSTRUMENT_MISMATCH"
	BlockDuplicateEntry     = "ENTRY_ORDER_ALREADY_EXISTS"
	BlockAlreadySubmitted   = "INTENT_ALREADY_SUBMITTED"
)

// SubmitResult is the structured outcome of a submission call.
// Operational failures come back here, never as errors.
type SubmitResult struct {
	OK       bool
	Blocked  bool   // a pre-submission invariant refused the order
	Reason   string // block reason or broker failure detail
	BrokerID string
}

func blocked(reason string) SubmitResult {
	return SubmitResult{Blocked: true, Reason: reason}
}

// SubmitEntry places an immediate entry: limit when the intent carries
// an entry price, market otherwise.
func (a *Adapter) SubmitEntry(ctx context.Context, intent *types.Intent, qty int) SubmitResult {
	orderType := types.OrderMarket
	if intent.EntryPrice.Valid {
		orderType = types.OrderEntry
	}
	return a.submitEntryOrder(ctx, intent, qty, orderType, "")
}

// SubmitStopEntry places a breakout stop entry, optionally inside an OCO
// group shared with the opposite leg.
func (a *Adapter) SubmitStopEntry(ctx context.Context, intent *types.Intent, qty int, ocoGroup string) SubmitResult {
	return a.submitEntryOrder(ctx, intent, qty, types.OrderEntryStop, ocoGroup)
}

func (a *Adapter) submitEntryOrder(ctx context.Context, intent *types.Intent, qty int,
	orderType types.OrderType, ocoGroup string) SubmitResult {

	a.mu.Lock()
	defer a.mu.Unlock()

	id := intent.ID()

	if res, ok := a.precheckLocked(intent, qty); !ok {
		metrics.OrdersFailed.WithLabelValues(string(orderType)).Inc()
		return res
	}

	// Duplicate guards. An entry in Submitted/Accepted/Working blocks a
	// second attempt; so does a Filled one. Broker rejection races with
	// re-dispatch, so this must run before every placement.
	if st, ok := a.intents[id]; ok {
		if o := st.activeOrFilledEntry(a.orders); o != nil {
			a.log.Emit(events.ExecutionBlocked, id, a.cfg.ExecutionInstrument, map[string]any{
				"reason": BlockDuplicateEntry, "existing_state": o.State,
			})
			metrics.OrdersFailed.WithLabelValues(string(orderType)).Inc()
			return blocked(BlockDuplicateEntry)
		}
	}
	if a.journal.IsIntentSubmitted(intent.TradingDate, intent.Stream, id) {
		// Either this process already submitted and crashed before the
		// broker ack surfaced, or the journal is corrupt and failing
		// closed. Both mean: do not create another order.
		a.log.Emit(events.ExecutionBlocked, id, a.cfg.ExecutionInstrument, map[string]any{
			"reason": BlockAlreadySubmitted,
		})
		metrics.OrdersFailed.WithLabelValues(string(orderType)).Inc()
		return blocked(BlockAlreadySubmitted)
	}

	req := OrderRequest{
		Instrument: a.cfg.ExecutionInstrument,
		Side:       intent.Direction.EntrySide(),
		Type:       orderType,
		Quantity:   qty,
		Tag:        tags.Encode(id),
		OCOGroup:   ocoGroup,
	}
	switch orderType {
	case types.OrderEntry:
		req.LimitPrice = intent.EntryPrice
	case types.OrderEntryStop:
		req.StopPrice = intent.EntryPrice
	}

	a.log.Emit(events.OrderSubmitAttempt, id, req.Instrument, map[string]any{
		"order_type": orderType, "quantity": qty, "oco_group": ocoGroup,
	})

	placed, res := a.placeVerifiedLocked(ctx, id, req)
	if !res.OK {
		metrics.OrdersFailed.WithLabelValues(string(orderType)).Inc()
		a.log.Emit(events.OrderSubmitFail, id, req.Instrument, map[string]any{
			"order_type": orderType, "reason": res.Reason,
		})
		return res
	}

	if placed.Quantity != 0 && placed.Quantity != qty {
		st := a.trackEntryLocked(intent, placed, req, orderType)
		a.runEmergencyLocked(ctx, st, events.QuantityMismatchEmergency, map[string]any{
			"requested": qty, "acknowledged": placed.Quantity,
		})
		return SubmitResult{Reason: "acknowledged quantity mismatch", BrokerID: placed.BrokerID}
	}

	a.trackEntryLocked(intent, placed, req, orderType)

	if err := a.journal.RecordSubmission(intent.TradingDate, intent.Stream, id, journal.Submission{
		Instrument:          req.Instrument,
		BrokerOrderID:       placed.BrokerID,
		EntryOrderType:      orderType,
		Direction:           intent.Direction,
		EntryPrice:          intent.EntryPrice,
		StopPrice:           decimal.NewNullDecimal(intent.StopPrice),
		TargetPrice:         decimal.NewNullDecimal(intent.TargetPrice),
		BETrigger:           decimal.NewNullDecimal(intent.BETrigger),
		OCOGroup:            ocoGroup,
		Session:             intent.Session,
		SlotTime:            intent.SlotTime,
		CanonicalInstrument: intent.CanonicalInstrument,
	}); err != nil {
		a.logger.Error("journal write failed after submission", "intent_id", id, "error", err)
	}

	if orderType == types.OrderEntryStop {
		a.log.Emit(events.OrderCreatedStopMarket, id, req.Instrument, map[string]any{
			"broker_id": placed.BrokerID, "stop_price": canon(req.StopPrice), "oco_group": ocoGroup,
		})
	}
	a.log.Emit(events.OrderSubmitSuccess, id, req.Instrument, map[string]any{
		"broker_id": placed.BrokerID, "order_type": orderType, "quantity": qty,
	})
	metrics.OrdersSubmitted.WithLabelValues(string(orderType)).Inc()

	return SubmitResult{OK: true, BrokerID: placed.BrokerID}
}

// precheckLocked runs the pre-submission invariants shared by every
// entry call and emits one ENTRY_SUBMIT_PRECHECK record.
func (a *Adapter) precheckLocked(intent *types.Intent, qty int) (SubmitResult, bool) {
	id := intent.ID()

	fail := func(reason string, extra map[string]any) (SubmitResult, bool) {
		payload := map[string]any{"reason": reason, "passed": false}
		for k, v := range extra {
			payload[k] = v
		}
		a.log.Emit(events.EntrySubmitPrecheck, id, a.cfg.ExecutionInstrument, payload)
		return blocked(reason), false
	}

	policy, ok := a.policies[id]
	if !ok {
		return fail(BlockNoPolicy, nil)
	}
	if qty <= 0 {
		return fail(BlockBadQuantity, map[string]any{"quantity": qty})
	}

	filled := 0
	if st, ok := a.intents[id]; ok {
		filled = st.entryFilled(a.orders)
	}
	if filled > policy.ExpectedQuantity || qty+filled > policy.ExpectedQuantity {
		return fail(BlockQuantityExceeded, map[string]any{
			"quantity": qty, "filled": filled, "expected": policy.ExpectedQuantity,
		})
	}
	if qty > policy.MaxQuantity {
		return fail(BlockMaxExceeded, map[string]any{
			"quantity": qty, "max": policy.MaxQuantity,
		})
	}

	if !instrumentMatches(intent.ExecutionInstrument, a.cfg.ExecutionInstrument) {
		if a.mismatchLog.Allow(intent.ExecutionInstrument) {
			a.logger.Error("instrument mismatch",
				"requested", intent.ExecutionInstrument, "bound", a.cfg.ExecutionInstrument)
		}
		return fail(BlockInstrumentMismatch, map[string]any{
			"requested": intent.ExecutionInstrument, "bound": a.cfg.ExecutionInstrument,
		})
	}

	a.log.Emit(events.EntrySubmitPrecheck, id, a.cfg.ExecutionInstrument, map[string]any{
		"passed": true, "quantity": qty, "expected": policy.ExpectedQuantity,
	})
	return SubmitResult{}, true
}

// placeVerifiedLocked submits an order and verifies the broker-held tag
// matches what was requested. One retry; on the second failure the
// order is cancelled and untracked — an untrackable order must not live.
func (a *Adapter) placeVerifiedLocked(ctx context.Context, intentID string, req OrderRequest) (PlacedOrder, SubmitResult) {
	var placed PlacedOrder
	var err error

	for attempt := 0; attempt < 2; attempt++ {
		placed, err = a.client.PlaceOrder(ctx, req)
		if err != nil {
			if attempt == 0 {
				continue
			}
			return PlacedOrder{}, SubmitResult{Reason: err.Error()}
		}

		verified := placed.Tag == req.Tag
		a.log.Emit(events.OrderCreatedVerification, intentID, req.Instrument, map[string]any{
			"broker_id": placed.BrokerID, "tag": placed.Tag, "verified": verified, "attempt": attempt + 1,
		})
		if verified {
			return placed, SubmitResult{OK: true, BrokerID: placed.BrokerID}
		}

		// Wrong tag at the broker: this order is untrackable. Remove it
		// before it can fill.
		if cerr := a.client.CancelOrder(ctx, placed.BrokerID); cerr != nil {
			a.logger.Error("cancel of tag-mismatched order failed",
				"broker_id", placed.BrokerID, "error", cerr)
		}
		delete(a.orders, placed.BrokerID)
	}

	return PlacedOrder{}, SubmitResult{Reason: "tag verification failed"}
}

func (a *Adapter) trackEntryLocked(intent *types.Intent, placed PlacedOrder, req OrderRequest, orderType types.OrderType) *intentState {
	id := intent.ID()
	st, ok := a.intents[id]
	if !ok {
		st = &intentState{intent: intent}
		a.intents[id] = st
	}
	st.entryOrderIDs = append(st.entryOrderIDs, placed.BrokerID)

	a.orders[placed.BrokerID] = &OrderInfo{
		BrokerID:   placed.BrokerID,
		IntentID:   id,
		Type:       orderType,
		Side:       req.Side,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		State:      types.StateSubmitted,
	}
	return st
}

// instrumentMatches compares a requested instrument against the bound
// execution instrument: root-only when the requested name carries no
// contract month, exact otherwise.
func instrumentMatches(requested, bound string) bool {
	if requested == bound {
		return true
	}
	if hasContractMonth(requested) {
		return false
	}
	return requested == instrumentRoot(bound)
}

// hasContractMonth reports whether the name carries a month/expiry part,
// e.g. "MES 12-25" or "MESZ5".
func hasContractMonth(name string) bool {
	return strings.ContainsRune(name, ' ') || strings.IndexFunc(name, unicode.IsDigit) >= 0
}

// instrumentRoot strips the contract month: everything before the first
// space or digit, so "MES 12-25" roots to "MES".
func instrumentRoot(name string) string {
	for i, r := range name {
		if r == ' ' || unicode.IsDigit(r) {
			return strings.TrimSpace(name[:i])
		}
	}
	return name
}

func canon(p decimal.NullDecimal) any {
	if !p.Valid {
		return nil
	}
	return p.Decimal.StringFixed(2)
}
