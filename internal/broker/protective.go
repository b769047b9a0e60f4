// protective.go places and maintains the protective legs.
//
// A protective stop and a target go in only after an entry fill is
// observed, each with bounded retry, and they are re-reconciled to the
// cumulative position on every partial fill. If either leg cannot be
// made to stick — submission failure or a later broker rejection — the
// position is not allowed to live: flatten, stand down, incident,
// emergency notification. An independent watchdog trips the same path
// if the legs are not acknowledged in time.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"rangebot/internal/events"
	"rangebot/internal/metrics"
	"rangebot/internal/notify"
	"rangebot/internal/tags"
	"rangebot/pkg/types"
)

// Block reasons specific to the protective/modification paths.
const (
	BlockBEAlreadyModified = "BE_ALREADY_MODIFIED"
	BlockStopNotFound      = "PROTECTIVE_STOP_NOT_FOUND"
	BlockNoPosition        = "NO_FILLED_POSITION"
)

// SubmitProtectiveStop places (or reconciles) the protective stop for an
// intent's current position.
func (a *Adapter) SubmitProtectiveStop(ctx context.Context, intent *types.Intent) SubmitResult {
	return a.submitSingleLeg(ctx, intent, types.OrderStop)
}

// SubmitTarget places (or reconciles) the profit target for an intent's
// current position.
func (a *Adapter) SubmitTarget(ctx context.Context, intent *types.Intent) SubmitResult {
	return a.submitSingleLeg(ctx, intent, types.OrderTarget)
}

func (a *Adapter) submitSingleLeg(ctx context.Context, intent *types.Intent, legType types.OrderType) SubmitResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.intents[intent.ID()]
	if !ok {
		st = &intentState{intent: intent}
		a.intents[intent.ID()] = st
	}
	qty := a.openPositionLocked(st)
	if qty <= 0 {
		return blocked(BlockNoPosition)
	}

	brokerID, ok := a.reconcileLegLocked(ctx, st, legType, qty)
	if !ok {
		a.protectiveFailureLocked(ctx, st, string(legType)+" submission failed")
		return SubmitResult{Reason: string(legType) + " submission failed"}
	}
	return SubmitResult{OK: true, BrokerID: brokerID}
}

// ensureProtectiveLocked brings both protective legs in line with the
// cumulative position. Called after every entry fill.
func (a *Adapter) ensureProtectiveLocked(ctx context.Context, st *intentState) {
	if st.protectiveFailed {
		return
	}
	qty := a.openPositionLocked(st)
	if qty <= 0 {
		return
	}

	stopID, stopOK := a.reconcileLegLocked(ctx, st, types.OrderStop, qty)
	if !stopOK {
		a.protectiveFailureLocked(ctx, st, "protective stop submission failed")
		return
	}
	targetID, targetOK := a.reconcileLegLocked(ctx, st, types.OrderTarget, qty)
	if !targetOK {
		a.protectiveFailureLocked(ctx, st, "target submission failed")
		return
	}

	a.log.Emit(events.ProtectiveOrdersSubmitted, st.intent.ID(), a.cfg.ExecutionInstrument, map[string]any{
		"stop_broker_id": stopID, "target_broker_id": targetID, "quantity": qty,
	})
}

// openPositionLocked is the intent's unclosed exposure, the size both
// protective legs must carry.
func (a *Adapter) openPositionLocked(st *intentState) int {
	rec, ok := a.coord.Exposure(st.intent.ID())
	if !ok {
		return st.entryFilled(a.orders)
	}
	return rec.EntryFilled - rec.ExitFilled
}

// reconcileLegLocked makes one protective leg exist at the right size.
// An existing working leg with the right quantity is left alone;
// a quantity change is cancel-and-recreate because the broker does not
// permit size modification on working orders.
func (a *Adapter) reconcileLegLocked(ctx context.Context, st *intentState, legType types.OrderType, qty int) (string, bool) {
	existingID := st.stopOrderID
	if legType == types.OrderTarget {
		existingID = st.targetOrderID
	}

	if existing, ok := a.orders[existingID]; ok && existing.State.Active() {
		if existing.Quantity == qty {
			return existingID, true
		}
		if err := a.client.CancelOrder(ctx, existingID); err != nil {
			a.logger.Error("cancel for protective resize failed",
				"broker_id", existingID, "error", err)
			return "", false
		}
		existing.State = types.StateCancelled
	}

	return a.submitLegWithRetryLocked(ctx, st, legType, qty)
}

// submitLegWithRetryLocked places one protective leg with the bounded
// retry policy, re-checking coordinator admission before each attempt.
func (a *Adapter) submitLegWithRetryLocked(ctx context.Context, st *intentState, legType types.OrderType, qty int) (string, bool) {
	intent := st.intent
	id := intent.ID()

	req := OrderRequest{
		Instrument: a.cfg.ExecutionInstrument,
		Side:       intent.Direction.ExitSide(),
		Type:       legType,
		Quantity:   qty,
		Tag:        tags.ForOrderType(id, legType),
	}
	if legType == types.OrderStop {
		req.StopPrice = decimal.NewNullDecimal(intent.StopPrice)
	} else {
		req.LimitPrice = decimal.NewNullDecimal(intent.TargetPrice)
	}

	for attempt := 0; attempt < a.cfg.ProtectiveRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.cfg.ProtectiveBackoff)
		}
		if !a.coord.CanSubmitExit(intent, qty) {
			a.logger.Error("coordinator refused exit admission for protective leg",
				"intent_id", id, "leg", legType, "quantity", qty)
			return "", false
		}

		placed, res := a.placeVerifiedLocked(ctx, id, req)
		if !res.OK {
			a.logger.Error("protective leg attempt failed",
				"intent_id", id, "leg", legType, "attempt", attempt+1, "reason", res.Reason)
			continue
		}

		a.orders[placed.BrokerID] = &OrderInfo{
			BrokerID:   placed.BrokerID,
			IntentID:   id,
			Type:       legType,
			Side:       req.Side,
			Quantity:   qty,
			LimitPrice: req.LimitPrice,
			StopPrice:  req.StopPrice,
			State:      types.StateSubmitted,
		}
		if legType == types.OrderStop {
			st.stopOrderID = placed.BrokerID
			st.stopAcked = false
		} else {
			st.targetOrderID = placed.BrokerID
			st.targetAcked = false
		}
		metrics.OrdersSubmitted.WithLabelValues(string(legType)).Inc()
		return placed.BrokerID, true
	}

	metrics.OrdersFailed.WithLabelValues(string(legType)).Inc()
	return "", false
}

// protectiveFailureLocked is the fail-closed pathway: notify the
// coordinator, flatten with retry, stand the stream down, persist an
// incident, alert at emergency priority. Runs at most once per intent.
func (a *Adapter) protectiveFailureLocked(ctx context.Context, st *intentState, reason string) {
	if st.protectiveFailed {
		return
	}
	st.protectiveFailed = true
	if st.watchdog != nil {
		st.watchdog.Stop()
	}

	id := st.intent.ID()
	a.coord.OnProtectiveFailure(st.intent)

	// Nothing of the intent may stay working while we flatten.
	for _, orderID := range st.allOrderIDs() {
		if o, ok := a.orders[orderID]; ok && o.State.Active() {
			if err := a.client.CancelOrder(ctx, orderID); err != nil {
				a.logger.Error("cancel during protective failure failed",
					"broker_id", orderID, "error", err)
			} else {
				o.State = types.StateCancelled
			}
		}
	}

	flattened := a.flattenWithRetryLocked(ctx, a.cfg.ExecutionInstrument)
	if a.standDown != nil {
		a.standDown(st.intent.Stream)
	}

	payload := map[string]any{
		"intent_id": id, "stream": st.intent.Stream, "instrument": a.cfg.ExecutionInstrument,
		"reason": reason, "flattened": flattened,
	}
	if err := a.incidents.writeProtectiveFailure(id, payload); err != nil {
		a.logger.Error("protective incident write failed", "intent_id", id, "error", err)
	}
	a.log.Emit(events.ProtectiveOrdersFailed, id, a.cfg.ExecutionInstrument, payload)
	metrics.Emergencies.WithLabelValues("protective_failure").Inc()

	if err := a.notifier.Send(ctx, notify.Message{
		Priority: notify.Emergency,
		Title:    "protective orders failed, position flattened",
		Stream:   st.intent.Stream,
		IntentID: id,
		Fields:   payload,
	}); err != nil {
		a.logger.Error("protective failure notification failed", "error", err)
	}
}

// startWatchdogLocked arms the unprotected-position watchdog on the
// first entry fill.
func (a *Adapter) startWatchdogLocked(st *intentState) {
	if st.watchdog != nil {
		return
	}
	st.watchdog = time.AfterFunc(a.cfg.WatchdogTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if st.protectiveFailed || (st.stopAcked && st.targetAcked) {
			return
		}
		a.protectiveFailureLocked(context.Background(), st, "unprotected position watchdog tripped")
	})
}

func (a *Adapter) stopWatchdogIfProtectedLocked(st *intentState) {
	if st.stopAcked && st.targetAcked && st.watchdog != nil {
		st.watchdog.Stop()
	}
}

// ModifyStopToBreakEven moves the protective stop to the entry price.
// Journal-guarded: duplicate calls are dropped, so the broker sees
// exactly one modification per intent.
func (a *Adapter) ModifyStopToBreakEven(ctx context.Context, intent *types.Intent) SubmitResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := intent.ID()
	if a.journal.IsBEModified(intent.TradingDate, intent.Stream, id) {
		return blocked(BlockBEAlreadyModified)
	}

	// The stop is matched by tag in the account's working orders, not
	// trusted from memory: recovery may have rebuilt tracking from a
	// snapshot and memory may be stale.
	snap, err := a.client.Snapshot(ctx)
	if err != nil {
		return SubmitResult{Reason: "snapshot failed: " + err.Error()}
	}
	stopTag := tags.EncodeStop(id)
	var stop *types.WorkingOrder
	for i := range snap.Working {
		if snap.Working[i].Tag == stopTag {
			stop = &snap.Working[i]
			break
		}
	}
	if stop == nil {
		return blocked(BlockStopNotFound)
	}

	// Break-even is the entry price: expected when the intent carried
	// one, the actual fill otherwise.
	bePrice := intent.BETrigger
	if intent.EntryPrice.Valid {
		bePrice = intent.EntryPrice.Decimal
	} else if e := a.journal.Lookup(intent.TradingDate, intent.Stream, id); e != nil && e.ActualFillPrice.Valid {
		bePrice = e.ActualFillPrice.Decimal
	}

	if err := a.client.ModifyOrderPrice(ctx, stop.BrokerID, bePrice); err != nil {
		return SubmitResult{Reason: "modify failed: " + err.Error()}
	}
	if o, ok := a.orders[stop.BrokerID]; ok {
		o.StopPrice = decimal.NewNullDecimal(bePrice)
	}

	if err := a.journal.RecordBEModification(intent.TradingDate, intent.Stream, id, bePrice); err != nil {
		a.logger.Error("journal BE write failed", "intent_id", id, "error", err)
	}
	a.log.Emit(events.StopModifySuccess, id, a.cfg.ExecutionInstrument, map[string]any{
		"broker_id": stop.BrokerID, "be_stop_price": bePrice.StringFixed(2),
	})

	return SubmitResult{OK: true, BrokerID: stop.BrokerID}
}

// FlattenIntent cancels the intent's orders and markets out the
// position. The underlying broker supports only instrument-level
// flatten, and one engine process trades one instrument per stream, so
// the instrument position and the intent position coincide.
func (a *Adapter) FlattenIntent(ctx context.Context, intent *types.Intent) SubmitResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.intents[intent.ID()]; ok {
		if st.watchdog != nil {
			st.watchdog.Stop()
		}
		for _, orderID := range st.allOrderIDs() {
			if o, ok := a.orders[orderID]; ok && o.State.Active() {
				if err := a.client.CancelOrder(ctx, orderID); err != nil {
					a.logger.Error("cancel during flatten failed", "broker_id", orderID, "error", err)
				} else {
					o.State = types.StateCancelled
				}
			}
		}
	}

	if !a.flattenWithRetryLocked(ctx, a.cfg.ExecutionInstrument) {
		return SubmitResult{Reason: "flatten failed after retries"}
	}
	return SubmitResult{OK: true}
}
