// Package risk implements the pre-trade gate.
//
// Every intent passes through Gate.Check before any broker call. Gates
// are evaluated in a fixed order and short-circuit on the first failure;
// a failure emits a single EXECUTION_BLOCKED event enumerating the
// status of each gate so a blocked trade is diagnosable from one record.
//
// The gate holds no broker state: it consults the kill switch, the
// schedule view (timetable, armed flag, session slot allow-lists), and
// the engine's recovery guard.
package risk

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"rangebot/internal/events"
	"rangebot/internal/killswitch"
	"rangebot/pkg/types"
)

// Block reasons, first failing gate wins.
const (
	ReasonRecoveryInProgress = "RECOVERY_IN_PROGRESS"
	ReasonKillSwitch         = "KILL_SWITCH_ACTIVE"
	ReasonTimetableInvalid   = "TIMETABLE_INVALID"
	ReasonStreamNotArmed     = "STREAM_NOT_ARMED"
	ReasonSessionUnknown     = "SESSION_NOT_RECOGNIZED"
	ReasonSlotNotAllowed     = "SLOT_TIME_NOT_ALLOWED"
	ReasonTradingDateUnset   = "TRADING_DATE_NOT_SET"
)

// GateStatus is one gate's outcome within a decision. Gates after the
// first failure are reported as skipped.
type GateStatus struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Decision is the gate verdict for one intent.
type Decision struct {
	Allowed bool
	Reason  string // empty when allowed
	Gates   []GateStatus
}

// ScheduleView is the slice of the out-of-scope timetable/supervision
// layer the gate consults. A static config-backed implementation lives
// in this package; the live supervisor can be wired in instead.
type ScheduleView interface {
	// TimetableValid reports whether the day's timetable passed validation.
	TimetableValid() bool
	// StreamArmed reports whether the stream may submit orders.
	StreamArmed(stream string) bool
	// SessionSlots returns the allowed slot-end times for a session and
	// whether the session is recognized at all.
	SessionSlots(session string) ([]string, bool)
}

// Gate evaluates the pre-trade checks for one engine process.
type Gate struct {
	sched    ScheduleView
	ks       *killswitch.Switch
	log      *events.Log
	logger   *slog.Logger
	recovery atomic.Bool
}

// NewGate wires the gate to its inputs.
func NewGate(sched ScheduleView, ks *killswitch.Switch, log *events.Log, logger *slog.Logger) *Gate {
	return &Gate{
		sched:  sched,
		ks:     ks,
		log:    log,
		logger: logger.With("component", "risk-gate"),
	}
}

// SetRecovering engages or releases the recovery guard. While engaged,
// every submission is blocked: the account state is not yet trusted.
func (g *Gate) SetRecovering(on bool) {
	g.recovery.Store(on)
}

// Check evaluates all gates for the intent, in order.
func (g *Gate) Check(intent *types.Intent) Decision {
	type gateFn struct {
		name string
		eval func() (bool, string)
	}

	gates := []gateFn{
		{"recovery_guard", func() (bool, string) {
			if g.recovery.Load() {
				return false, ReasonRecoveryInProgress
			}
			return true, ""
		}},
		{"kill_switch", func() (bool, string) {
			if state := g.ks.State(); state.Enabled {
				g.log.Emit(events.KillSwitchActive, intent.ID(), intent.ExecutionInstrument,
					map[string]any{"message": state.Message})
				return false, ReasonKillSwitch
			}
			return true, ""
		}},
		{"timetable", func() (bool, string) {
			if !g.sched.TimetableValid() {
				return false, ReasonTimetableInvalid
			}
			return true, ""
		}},
		{"stream_armed", func() (bool, string) {
			if !g.sched.StreamArmed(intent.Stream) {
				return false, ReasonStreamNotArmed
			}
			return true, ""
		}},
		{"slot_window", func() (bool, string) {
			slots, ok := g.sched.SessionSlots(intent.Session)
			if !ok {
				return false, ReasonSessionUnknown
			}
			for _, s := range slots {
				if s == intent.SlotTime {
					return true, ""
				}
			}
			return false, ReasonSlotNotAllowed
		}},
		{"trading_date", func() (bool, string) {
			if intent.TradingDate == "" {
				return false, ReasonTradingDateUnset
			}
			return true, ""
		}},
	}

	decision := Decision{Allowed: true}
	for _, gate := range gates {
		if !decision.Allowed {
			decision.Gates = append(decision.Gates, GateStatus{Name: gate.name, Skipped: true})
			continue
		}
		ok, reason := gate.eval()
		decision.Gates = append(decision.Gates, GateStatus{Name: gate.name, Passed: ok, Reason: reason})
		if !ok {
			decision.Allowed = false
			decision.Reason = reason
		}
	}

	if !decision.Allowed {
		g.log.Emit(events.ExecutionBlocked, intent.ID(), intent.ExecutionInstrument, map[string]any{
			"reason": decision.Reason,
			"gates":  decision.Gates,
			"stream": intent.Stream,
		})
	}
	return decision
}

// Schedule is the static, config-backed ScheduleView. It also carries
// the stream's armed flag, which the stand-down path clears; re-arming
// is a manual operator action (config reload or API), never automatic.
type Schedule struct {
	mu        sync.RWMutex
	sessions  map[string][]string
	armed     map[string]bool
	timetable bool
}

// NewSchedule builds a schedule from configured sessions. The given
// stream starts armed when armed is true; no other stream is armed.
func NewSchedule(sessions map[string][]string, stream string, armed bool) *Schedule {
	return &Schedule{
		sessions:  sessions,
		armed:     map[string]bool{stream: armed},
		timetable: len(sessions) > 0,
	}
}

func (s *Schedule) TimetableValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timetable
}

func (s *Schedule) StreamArmed(stream string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.armed[stream]
}

func (s *Schedule) SessionSlots(session string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slots, ok := s.sessions[session]
	return slots, ok
}

// StandDown disarms a stream. Used as the stand-down callback target for
// the coordinator, the journal corruption handler, and the adapter's
// emergency paths.
func (s *Schedule) StandDown(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed[stream] = false
}

// Arm re-arms a stream (manual operator action).
func (s *Schedule) Arm(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed[stream] = true
}
