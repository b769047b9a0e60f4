// fills.go is the broker-callback intake: order-state updates and
// execution (fill) updates, including the fail-closed orphan policies.
package broker

import (
	"context"
	"time"

	"rangebot/internal/events"
	"rangebot/internal/journal"
	"rangebot/internal/metrics"
	"rangebot/internal/notify"
	"rangebot/internal/tags"
	"rangebot/pkg/types"
)

const (
	lookupRetries = 3
	lookupBackoff = 100 * time.Millisecond
)

// OnOrderStateUpdate handles a lifecycle notification. Rejections of
// protective legs run the protective-failure pathway; rejections of
// entries are journaled and surfaced.
func (a *Adapter) OnOrderStateUpdate(ctx context.Context, upd OrderStateUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orders[upd.BrokerID]
	if !ok {
		a.logger.Debug("state update for untracked order", "broker_id", upd.BrokerID, "state", upd.State)
		return
	}
	st := a.intents[order.IntentID]
	if st == nil {
		a.logger.Error("tracked order without intent state", "broker_id", upd.BrokerID)
		return
	}

	// Acknowledged quantity must equal what was requested.
	if upd.AckQuantity != 0 && upd.AckQuantity != order.Quantity {
		a.runEmergencyLocked(ctx, st, events.QuantityMismatchEmergency, map[string]any{
			"broker_id": upd.BrokerID, "requested": order.Quantity, "acknowledged": upd.AckQuantity,
		})
		return
	}

	if order.State.Terminal() {
		return
	}

	switch upd.State {
	case types.StateAccepted, types.StateWorking:
		order.State = upd.State
		switch upd.BrokerID {
		case st.stopOrderID:
			st.stopAcked = true
		case st.targetOrderID:
			st.targetAcked = true
		}
		a.stopWatchdogIfProtectedLocked(st)

	case types.StateCancelled:
		order.State = types.StateCancelled

	case types.StateRejected:
		order.State = types.StateRejected
		a.log.Emit(events.OrderRejected, order.IntentID, a.cfg.ExecutionInstrument, map[string]any{
			"broker_id": upd.BrokerID, "order_type": order.Type, "reason": upd.Reason,
		})
		switch order.Type {
		case types.OrderStop, types.OrderTarget:
			// A protective leg the broker refused is exactly as unsafe as
			// one that never submitted.
			a.protectiveFailureLocked(ctx, st, "broker rejected "+string(order.Type)+": "+upd.Reason)
		default:
			if err := a.journal.RecordRejection(st.intent.TradingDate, st.intent.Stream,
				order.IntentID, upd.Reason); err != nil {
				a.logger.Error("journal rejection write failed", "intent_id", order.IntentID, "error", err)
			}
		}
	}
}

// OnExecutionUpdate handles a fill. Quantity is this execution's delta.
func (a *Adapter) OnExecutionUpdate(ctx context.Context, exec ExecutionUpdate) {
	// Untagged or foreign-tagged fills are flattened before anything else.
	intentID, ok := tags.Decode(exec.Tag)
	if !ok {
		a.handleUntaggedFill(ctx, exec)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	order := a.lookupOrderWithRetryLocked(exec.BrokerID)
	st := a.intents[intentID]

	if order == nil || st == nil {
		a.handleUnknownIntentFillLocked(ctx, exec, intentID)
		return
	}

	switch {
	case order.Type.IsEntry():
		a.handleEntryFillLocked(ctx, st, order, exec)
	default:
		a.handleExitFillLocked(ctx, st, order, exec)
	}
}

// lookupOrderWithRetryLocked covers the narrow race where a fill beats
// the entry order into the tracking map: release the lock, give the
// placer a beat, and look again, a bounded number of times.
func (a *Adapter) lookupOrderWithRetryLocked(brokerID string) *OrderInfo {
	for attempt := 0; ; attempt++ {
		if order, ok := a.orders[brokerID]; ok {
			return order
		}
		if attempt >= lookupRetries {
			return nil
		}
		a.mu.Unlock()
		time.Sleep(lookupBackoff)
		a.mu.Lock()
	}
}

func (a *Adapter) handleEntryFillLocked(ctx context.Context, st *intentState, order *OrderInfo, exec ExecutionUpdate) {
	id := order.IntentID
	delta := exec.Quantity
	cumulative := order.FilledQuantity + delta

	if cumulative > order.Quantity {
		a.runEmergencyLocked(ctx, st, events.QuantityMismatchEmergency, map[string]any{
			"broker_id": order.BrokerID, "order_quantity": order.Quantity, "cumulative_fills": cumulative,
		})
		return
	}

	order.FilledQuantity = cumulative
	firstFill := order.EntryFillTime.IsZero()
	if firstFill {
		order.EntryFillTime = exec.Time
		a.startWatchdogLocked(st)
	}

	if err := a.journal.RecordFill(st.intent.TradingDate, st.intent.Stream, id, journal.Fill{
		Price:      exec.Price,
		Quantity:   st.entryFilled(a.orders),
		Multiplier: a.cfg.ContractMultiplier,
	}); err != nil {
		a.logger.Error("journal fill write failed", "intent_id", id, "error", err)
	}

	if err := a.coord.OnEntryFill(st.intent, delta); err != nil {
		a.runEmergencyLocked(ctx, st, events.IntentOverfillEmergency, map[string]any{
			"broker_id": order.BrokerID, "delta": delta,
		})
		return
	}

	if order.FilledQuantity == order.Quantity {
		order.State = types.StateFilled
		metrics.Fills.WithLabelValues("entry").Inc()
		a.log.Emit(events.ExecutionFilled, id, exec.Instrument, map[string]any{
			"broker_id": order.BrokerID, "price": exec.Price.StringFixed(2), "quantity": order.FilledQuantity,
		})
	} else {
		order.State = types.StateWorking
		metrics.Fills.WithLabelValues("partial").Inc()
		a.log.Emit(events.ExecutionPartialFill, id, exec.Instrument, map[string]any{
			"broker_id": order.BrokerID, "price": exec.Price.StringFixed(2),
			"filled": order.FilledQuantity, "quantity": order.Quantity,
		})
	}

	// Protective orders cover the cumulative position; each partial fill
	// re-reconciles them.
	a.ensureProtectiveLocked(ctx, st)
}

func (a *Adapter) handleExitFillLocked(ctx context.Context, st *intentState, order *OrderInfo, exec ExecutionUpdate) {
	delta := exec.Quantity
	cumulative := order.FilledQuantity + delta

	// Exits are bounded the same way entries are: cumulative fills past
	// the order quantity would break exit_filled <= entry_filled.
	if cumulative > order.Quantity {
		a.runEmergencyLocked(ctx, st, events.QuantityMismatchEmergency, map[string]any{
			"broker_id": order.BrokerID, "order_type": order.Type,
			"order_quantity": order.Quantity, "cumulative_fills": cumulative,
		})
		return
	}

	order.FilledQuantity = cumulative
	full := order.FilledQuantity >= order.Quantity
	if full {
		order.State = types.StateFilled
	}
	metrics.Fills.WithLabelValues("exit").Inc()

	a.coord.OnExitFill(st.intent, delta)

	// The surviving protective sibling has nothing left to protect once
	// the exit is complete.
	if full {
		sibling := st.targetOrderID
		if order.BrokerID == st.targetOrderID {
			sibling = st.stopOrderID
		}
		if sib, ok := a.orders[sibling]; ok && sib.State.Active() {
			if err := a.client.CancelOrder(ctx, sibling); err != nil {
				a.logger.Error("cancel of protective sibling failed", "broker_id", sibling, "error", err)
			} else {
				sib.State = types.StateCancelled
			}
		}
	}
}

// handleUntaggedFill is the policy for fills with a missing or invalid
// tag: flatten the instrument, record the orphan, notify at highest
// priority no matter what the flatten did.
func (a *Adapter) handleUntaggedFill(ctx context.Context, exec ExecutionUpdate) {
	a.mu.Lock()
	flattened := a.flattenWithRetryLocked(ctx, exec.Instrument)
	a.mu.Unlock()

	a.log.Emit(events.OrphanFillCritical, "", exec.Instrument, map[string]any{
		"broker_id": exec.BrokerID, "tag": exec.Tag, "quantity": exec.Quantity,
		"price": exec.Price.StringFixed(2), "flattened": flattened,
	})
	if err := a.incidents.appendOrphanFill(map[string]any{
		"timestamp_utc": time.Now().UTC(), "broker_id": exec.BrokerID, "tag": exec.Tag,
		"instrument": exec.Instrument, "quantity": exec.Quantity,
		"price": exec.Price.StringFixed(2), "kind": "untagged", "flattened": flattened,
	}); err != nil {
		a.logger.Error("orphan incident write failed", "error", err)
	}
	if err := a.notifier.Send(ctx, notify.Message{
		Priority: notify.Highest,
		Title:    "untagged fill, instrument flattened",
		Fields:   map[string]any{"broker_id": exec.BrokerID, "instrument": exec.Instrument},
	}); err != nil {
		a.logger.Error("orphan notification failed", "error", err)
	}
}

// handleUnknownIntentFillLocked is the policy for fills whose tag
// decodes but whose intent (or order) the adapter does not track:
// flatten, stand the stream down, notify.
func (a *Adapter) handleUnknownIntentFillLocked(ctx context.Context, exec ExecutionUpdate, intentID string) {
	flattened := a.flattenWithRetryLocked(ctx, exec.Instrument)
	if a.standDown != nil {
		a.standDown(a.cfg.Stream)
	}

	a.log.Emit(events.OrphanFillCritical, intentID, exec.Instrument, map[string]any{
		"broker_id": exec.BrokerID, "tag": exec.Tag, "quantity": exec.Quantity,
		"kind": "unknown_intent", "flattened": flattened,
	})
	if err := a.incidents.appendOrphanFill(map[string]any{
		"timestamp_utc": time.Now().UTC(), "broker_id": exec.BrokerID, "tag": exec.Tag,
		"instrument": exec.Instrument, "quantity": exec.Quantity,
		"price": exec.Price.StringFixed(2), "kind": "unknown_intent", "intent_id": intentID,
		"flattened": flattened,
	}); err != nil {
		a.logger.Error("orphan incident write failed", "error", err)
	}
	if err := a.notifier.Send(ctx, notify.Message{
		Priority: notify.Highest,
		Title:    "fill for unknown intent, instrument flattened",
		IntentID: intentID,
		Stream:   a.cfg.Stream,
		Fields:   map[string]any{"broker_id": exec.BrokerID, "instrument": exec.Instrument},
	}); err != nil {
		a.logger.Error("orphan notification failed", "error", err)
	}
}
