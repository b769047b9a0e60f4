// Package tags implements the identity envelope for robot-owned broker
// orders.
//
// Every order the robot creates carries a tag beginning with the
// reserved prefix, so a flat account snapshot can be partitioned into
// robot-owned and foreign orders with no broker support. Protective
// legs append a role suffix; OCO groups embed a UUID so brokers that
// forbid reusing group identifiers are never re-fed the same string.
package tags

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rangebot/pkg/types"
)

// Prefix is the reserved marker. A tag that does not start with it is
// not a robot order and must never be touched.
const Prefix = "QTSW2:"

const ocoMarker = "OCO_ENTRY"

// Role is the protective-leg suffix on an order tag.
type Role string

const (
	RoleEntry  Role = ""       // entry orders carry the bare intent id
	RoleStop   Role = "STOP"   // protective stop
	RoleTarget Role = "TARGET" // profit target
)

// Encode returns the entry tag for an intent: "QTSW2:<intent_id>".
func Encode(intentID string) string {
	return Prefix + intentID
}

// EncodeStop returns the protective-stop tag: "QTSW2:<intent_id>:STOP".
func EncodeStop(intentID string) string {
	return Encode(intentID) + ":" + string(RoleStop)
}

// EncodeTarget returns the target tag: "QTSW2:<intent_id>:TARGET".
func EncodeTarget(intentID string) string {
	return Encode(intentID) + ":" + string(RoleTarget)
}

// ForOrderType maps an order type to its tag for the intent.
func ForOrderType(intentID string, t types.OrderType) string {
	switch t {
	case types.OrderStop:
		return EncodeStop(intentID)
	case types.OrderTarget:
		return EncodeTarget(intentID)
	default:
		return Encode(intentID)
	}
}

// Decode extracts the base intent id from a tag. ok is false when the
// tag does not carry the robot prefix (not-a-robot-order); the role
// suffix, if any, is stripped.
func Decode(tag string) (intentID string, ok bool) {
	if !strings.HasPrefix(tag, Prefix) {
		return "", false
	}
	rest := tag[len(Prefix):]
	if rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// DecodeRole returns the protective-leg role carried by a tag, RoleEntry
// when the tag has no suffix or is not robot-owned.
func DecodeRole(tag string) Role {
	if !strings.HasPrefix(tag, Prefix) {
		return RoleEntry
	}
	parts := strings.SplitN(tag[len(Prefix):], ":", 2)
	if len(parts) < 2 {
		return RoleEntry
	}
	switch Role(parts[1]) {
	case RoleStop:
		return RoleStop
	case RoleTarget:
		return RoleTarget
	default:
		return RoleEntry
	}
}

// IsRobotOwned reports whether the tag carries the robot prefix.
func IsRobotOwned(tag string) bool {
	_, ok := Decode(tag)
	return ok
}

// NewOCOGroup builds a fresh OCO group id for a breakout pair:
// "QTSW2:OCO_ENTRY:<date>:<stream>:<slot>:<uuid>". The UUID makes every
// call unique even for the same logical slot.
func NewOCOGroup(tradingDate, stream, slot string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s:%s", Prefix, ocoMarker, tradingDate, stream, slot, uuid.NewString())
}

// IsOCOGroup reports whether s is a robot OCO group identifier.
func IsOCOGroup(s string) bool {
	return strings.HasPrefix(s, Prefix+ocoMarker+":")
}
