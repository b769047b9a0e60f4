// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the robot — intents, order
// lifecycle enums, policies, and account snapshot payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the side of a trade. The zero value means "no direction",
// used for intents that describe a symmetric breakout pair.
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

// Opposite returns the other side. No-direction maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return d
	}
}

// Side is the buy/sell side of a broker order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// EntrySide returns the order side that opens exposure in this direction.
func (d Direction) EntrySide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide returns the order side that closes exposure in this direction.
func (d Direction) ExitSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// OrderType classifies every broker order the robot creates.
type OrderType string

const (
	OrderEntry     OrderType = "ENTRY"      // immediate limit entry
	OrderEntryStop OrderType = "ENTRY_STOP" // breakout stop entry (usually one leg of an OCO pair)
	OrderMarket    OrderType = "MARKET"     // market entry
	OrderStop      OrderType = "STOP"       // protective stop
	OrderTarget    OrderType = "TARGET"     // profit target
)

// IsEntry reports whether the order opens exposure (as opposed to a
// protective leg or flatten).
func (t OrderType) IsEntry() bool {
	return t == OrderEntry || t == OrderEntryStop || t == OrderMarket
}

// OrderState is the lifecycle state of a tracked broker order.
//
//	Submitted -> Accepted -> Working -> (Filled | Cancelled)
//	any non-terminal state -> Rejected
//
// Partial fills keep the order in Working; it reaches Filled only when
// the cumulative filled quantity equals the order quantity.
type OrderState string

const (
	StateSubmitted OrderState = "Submitted"
	StateAccepted  OrderState = "Accepted"
	StateWorking   OrderState = "Working"
	StateFilled    OrderState = "Filled"
	StateRejected  OrderState = "Rejected"
	StateCancelled OrderState = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateRejected || s == StateCancelled
}

// Active reports whether the order still holds (or may create) exposure
// at the broker. Used by the duplicate-entry guard.
func (s OrderState) Active() bool {
	return s == StateSubmitted || s == StateAccepted || s == StateWorking
}

// ————————————————————————————————————————————————————————————————————————
// Intent
// ————————————————————————————————————————————————————————————————————————

// Intent is a complete, deterministic specification of one trade the
// strategy wants executed. Intents are immutable after creation; the
// execution layer never mutates one.
//
// Prices use decimal.Decimal so the canonical two-decimal formatting in
// the intent id is exact. EntryPrice is optional (a market entry carries
// none; limit and breakout stop entries use it as their limit or trigger
// price), as is Direction (empty for the symmetric-pair parent).
type Intent struct {
	TradingDate         string              // calendar date, "2006-01-02"
	Stream              string              // logical strategy slot, e.g. "NY1"
	CanonicalInstrument string              // e.g. "ES"
	ExecutionInstrument string              // possibly a micro substitute, e.g. "MES"
	Session             string              // e.g. "AM"
	SlotTime            string              // Chicago-local "HH:MM" of the breakout slot
	Direction           Direction           // Long, Short, or empty
	EntryPrice          decimal.NullDecimal // optional
	StopPrice           decimal.Decimal
	TargetPrice         decimal.Decimal
	BETrigger           decimal.Decimal
	EntryTime           time.Time // when the strategy released the intent
	TriggerReason       string    // free-form tag, e.g. "RANGE_BREAK_UP"
}

// ID returns the deterministic intent id: the first 16 hex characters of
// SHA-256 over the canonical pipe-joined representation. Re-running the
// same logical intent always produces the same id; that determinism is
// the foundation of execution idempotency.
func (i *Intent) ID() string {
	return ComputeIntentID(
		i.TradingDate, i.Stream, i.CanonicalInstrument, i.Session, i.SlotTime,
		i.Direction,
		i.EntryPrice,
		decimal.NewNullDecimal(i.StopPrice),
		decimal.NewNullDecimal(i.TargetPrice),
		decimal.NewNullDecimal(i.BETrigger),
	)
}

// ComputeIntentID derives the 16-hex-character intent id from the
// canonical fields. Absent direction and absent prices canonicalize to
// "NULL"; prices are formatted to exactly two decimals.
func ComputeIntentID(tradingDate, stream, canonicalInstrument, session, slotTime string,
	direction Direction, prices ...decimal.NullDecimal) string {

	parts := []string{tradingDate, stream, canonicalInstrument, session, slotTime, canonDirection(direction)}
	for _, p := range prices {
		parts = append(parts, canonPrice(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func canonDirection(d Direction) string {
	if d == "" {
		return "NULL"
	}
	return string(d)
}

func canonPrice(p decimal.NullDecimal) string {
	if !p.Valid {
		return "NULL"
	}
	return p.Decimal.StringFixed(2)
}

// IntentPolicy caps what the adapter may submit for one intent id.
// Registered before any order is submitted and mutable only by a fresh
// declaration.
type IntentPolicy struct {
	IntentID            string
	ExpectedQuantity    int
	MaxQuantity         int
	Source              string // which strategy declared the policy
	CanonicalInstrument string
	ExecutionInstrument string
}

// ————————————————————————————————————————————————————————————————————————
// Account snapshot
// ————————————————————————————————————————————————————————————————————————

// AccountPosition is one open position in an account snapshot.
// Quantity is signed: positive long, negative short.
type AccountPosition struct {
	Instrument   string
	Quantity     int
	AveragePrice decimal.Decimal
}

// WorkingOrder is one live order in an account snapshot. Tag and
// OCOGroup carry the robot's envelope when the order is robot-owned.
type WorkingOrder struct {
	BrokerID   string
	Instrument string
	Tag        string
	OCOGroup   string
	Type       OrderType
	LimitPrice decimal.NullDecimal
	StopPrice  decimal.NullDecimal
	Quantity   int
}

// AccountSnapshot is a point-in-time view of the simulation account,
// used for recovery reconciliation and fail-closed flattening.
type AccountSnapshot struct {
	Taken     time.Time
	Positions []AccountPosition
	Working   []WorkingOrder
}

// Position returns the signed net quantity for an instrument, zero if flat.
func (s *AccountSnapshot) Position(instrument string) int {
	for _, p := range s.Positions {
		if p.Instrument == instrument {
			return p.Quantity
		}
	}
	return 0
}
