// recovery.go rebuilds adapter state from the broker account after a
// restart.
//
// The account snapshot is the ground truth for what exists; the journal
// is the ground truth for what the robot meant. Reconciliation walks
// the working orders, partitions them by tag, rebuilds tracking for
// orders whose journal entries reconstruct cleanly, cancels robot-owned
// orphans, and never touches foreign orders.
package broker

import (
	"context"
	"fmt"

	"rangebot/internal/events"
	"rangebot/internal/journal"
	"rangebot/internal/tags"
	"rangebot/pkg/types"
)

// Reconcile snapshots the account and rebuilds the adapter's tracking
// maps. Call once at startup, before the recovery guard is released.
func (a *Adapter) Reconcile(ctx context.Context) error {
	snap, err := a.client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("recovery snapshot: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var rebuilt, orphaned, foreign int
	for _, wo := range snap.Working {
		intentID, ok := tags.Decode(wo.Tag)
		if !ok {
			foreign++
			continue
		}

		entry := a.journal.Lookup(a.cfg.TradingDate, a.cfg.Stream, intentID)
		intent := reconstructIntent(entry)
		if intent == nil || intent.ID() != intentID {
			// A robot tag with no trustworthy journal behind it is an
			// orphan: cancel it rather than guess.
			if err := a.client.CancelOrder(ctx, wo.BrokerID); err != nil {
				a.logger.Error("orphan cancel failed", "broker_id", wo.BrokerID, "error", err)
				continue
			}
			orphaned++
			continue
		}

		a.rebuildOrderLocked(intent, wo)
		rebuilt++
	}

	a.log.Emit(events.SimAccountVerified, "", a.cfg.ExecutionInstrument, map[string]any{
		"account":        a.cfg.Account,
		"positions":      len(snap.Positions),
		"orders_rebuilt": rebuilt,
		"orphans":        orphaned,
		"foreign":        foreign,
	})
	return nil
}

// reconstructIntent rebuilds the intent from a journal entry's recovery
// fields. Returns nil when the entry is missing or incomplete.
func reconstructIntent(entry *journal.Entry) *types.Intent {
	if entry == nil || !entry.StopPrice.Valid || !entry.TargetPrice.Valid {
		return nil
	}
	return &types.Intent{
		TradingDate:         entry.TradingDate,
		Stream:              entry.Stream,
		CanonicalInstrument: entry.CanonicalInstrument,
		ExecutionInstrument: entry.Instrument,
		Session:             entry.Session,
		SlotTime:            entry.SlotTime,
		Direction:           entry.Direction,
		EntryPrice:          entry.EntryPrice,
		StopPrice:           entry.StopPrice.Decimal,
		TargetPrice:         entry.TargetPrice.Decimal,
		BETrigger:           entry.BETrigger.Decimal,
	}
}

// rebuildOrderLocked re-registers one working order under its intent.
func (a *Adapter) rebuildOrderLocked(intent *types.Intent, wo types.WorkingOrder) {
	id := intent.ID()
	st, ok := a.intents[id]
	if !ok {
		st = &intentState{intent: intent}
		a.intents[id] = st
	}

	info := &OrderInfo{
		BrokerID:   wo.BrokerID,
		IntentID:   id,
		Type:       wo.Type,
		Side:       intent.Direction.EntrySide(),
		Quantity:   wo.Quantity,
		LimitPrice: wo.LimitPrice,
		StopPrice:  wo.StopPrice,
		State:      types.StateWorking,
	}

	switch wo.Type {
	case types.OrderStop:
		info.Side = intent.Direction.ExitSide()
		st.stopOrderID = wo.BrokerID
		st.stopAcked = true
	case types.OrderTarget:
		info.Side = intent.Direction.ExitSide()
		st.targetOrderID = wo.BrokerID
		st.targetAcked = true
	default:
		st.entryOrderIDs = append(st.entryOrderIDs, wo.BrokerID)
	}

	a.orders[wo.BrokerID] = info
}
