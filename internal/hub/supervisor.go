package hub

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/DustinHannon/CheatBook/pkg/clock"
)

// Supervisor delays participant teardown after a user's last connection
// drops, so a quick reconnect causes no flicker: no user_left broadcast, no
// session flush, no side effects at all.
//
// Per-user state machine: Connected -> (last connection drops) ->
// GracePeriod -> (reconnect) -> Connected, or GracePeriod -> (timeout) ->
// torn down.
type Supervisor struct {
	clk      clock.Clock
	grace    time.Duration
	onExpire func(userID string)

	mu      sync.Mutex
	pending map[string]clock.Timer
}

// NewSupervisor builds a supervisor. onExpire runs once per expired user;
// the callback is responsible for finding every session the user still
// occupies (the supervisor keeps no per-note record, so notes joined by
// earlier-dropped connections are never missed).
func NewSupervisor(clk clock.Clock, grace time.Duration, onExpire func(userID string)) *Supervisor {
	return &Supervisor{
		clk:      clk,
		grace:    grace,
		onExpire: onExpire,
		pending:  make(map[string]clock.Timer),
	}
}

// ConnectionOpened cancels any pending grace timer for userID. Reports
// whether a timer was cancelled, i.e. the user reconnected inside the
// window.
func (s *Supervisor) ConnectionOpened(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[userID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.pending, userID)
	log.Debug("reconnect within grace window", "user", userID)
	return true
}

// ConnectionClosed records a dropped connection. When remaining is zero the
// grace timer starts, restarting from the latest drop.
func (s *Supervisor) ConnectionClosed(userID string, remaining int) {
	if remaining > 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[userID]; ok {
		t.Stop()
	}
	s.pending[userID] = s.clk.AfterFunc(s.grace, func() { s.expire(userID) })
	log.Debug("grace window started", "user", userID, "grace", s.grace)
}

func (s *Supervisor) expire(userID string) {
	s.mu.Lock()
	if _, ok := s.pending[userID]; !ok {
		// Cancelled after firing was scheduled; nothing to do.
		s.mu.Unlock()
		return
	}
	delete(s.pending, userID)
	s.mu.Unlock()

	log.Debug("grace window expired", "user", userID)
	s.onExpire(userID)
}

// InGrace reports whether userID currently has a pending grace timer.
func (s *Supervisor) InGrace(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[userID]
	return ok
}
