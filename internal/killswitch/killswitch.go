// Package killswitch reads the process-wide kill-switch file.
//
// Operators flip the switch by writing {"enabled": true, "message": "..."}
// to a fixed path; the robot picks it up within the cache TTL without a
// restart. The switch itself is fail-open on read problems (a missing or
// unreadable file reads as disabled; a missing file is silent, an
// unreadable or unparseable one logs an error on each reload) — the actionable fail-closed behavior lives in the risk gate
// that consults it. Reads are lock-free: callers see an atomic snapshot
// of the last load.
package killswitch

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// State is one observation of the switch.
type State struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
}

type snapshot struct {
	state    State
	loadedAt time.Time
}

// Switch caches the kill-switch file with a TTL to bound I/O cost.
// The zero Switch is not usable; construct with New.
type Switch struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	cur    atomic.Pointer[snapshot]
	loadMu sync.Mutex // serializes reloads so only one goroutine hits the disk
}

// New creates a switch backed by the file at path, caching reads for ttl.
func New(path string, ttl time.Duration, logger *slog.Logger) *Switch {
	s := &Switch{
		path:   path,
		ttl:    ttl,
		logger: logger.With("component", "killswitch"),
	}
	s.cur.Store(&snapshot{})
	return s
}

// State returns the current switch state, reloading from disk when the
// cached observation is older than the TTL.
func (s *Switch) State() State {
	snap := s.cur.Load()
	if time.Since(snap.loadedAt) < s.ttl {
		return snap.state
	}
	return s.reload()
}

// Enabled is a convenience wrapper over State.
func (s *Switch) Enabled() bool {
	return s.State().Enabled
}

func (s *Switch) reload() State {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	// Another goroutine may have reloaded while we waited.
	if snap := s.cur.Load(); time.Since(snap.loadedAt) < s.ttl {
		return snap.state
	}

	state := s.read()
	s.cur.Store(&snapshot{state: state, loadedAt: time.Now()})
	return state
}

// read loads the file. Absence means disabled; parse and I/O errors also
// read as disabled but are logged loudly so operators notice a switch
// they believe is set may not be taking effect.
func (s *Switch) read() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("kill-switch file unreadable, treating as disabled",
				"path", s.path, "error", err)
		}
		return State{}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Error("kill-switch file unparseable, treating as disabled",
			"path", s.path, "error", err)
		return State{}
	}
	return state
}
