// Package session holds the authoritative in-memory state for every note
// under active collaboration and applies edit operations against it.
package session

import (
	"sync"

	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

// Result is the outcome of applying one operation. On conflict it carries
// the authoritative state the submitter must resync to.
type Result struct {
	Content  string
	Version  int64
	Conflict bool
}

type participant struct {
	info  models.Participant
	conns map[string]struct{}
}

// Session is the single writer of one note's canonical content. The version
// counter increases by exactly one per accepted operation.
type Session struct {
	NoteID string

	mu           sync.Mutex
	content      string
	version      int64
	participants map[string]*participant
	dirty        bool

	destroyTimer clock.Timer
}

func newSession(noteID, content string) *Session {
	return &Session{
		NoteID:       noteID,
		content:      content,
		version:      1,
		participants: make(map[string]*participant),
	}
}

// Snapshot returns the current content and version.
func (s *Session) Snapshot() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, s.version
}

// Apply attempts a compare-and-swap of op against the session version. A
// stale base version mutates nothing and returns the authoritative state
// with Conflict set; two submissions sharing a base version are resolved
// strictly by arrival order.
func (s *Session) Apply(op models.Operation) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.BaseVersion != s.version {
		return Result{Content: s.content, Version: s.version, Conflict: true}
	}
	return s.applyLocked(op)
}

// ApplyAtHead applies op at whatever the current version is. Used for
// server-synthesized operations, which by construction cannot be stale.
func (s *Session) ApplyAtHead(op models.Operation) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.BaseVersion = s.version
	return s.applyLocked(op)
}

func (s *Session) applyLocked(op models.Operation) Result {
	runes := []rune(s.content)
	idx := clamp(op.Index, 0, len(runes))
	switch op.Kind {
	case models.OpInsert:
		s.content = string(runes[:idx]) + op.Text + string(runes[idx:])
	case models.OpReplace:
		end := clamp(idx+op.Length, idx, len(runes))
		s.content = string(runes[:idx]) + op.Text + string(runes[end:])
	default:
		// Unknown kinds are filtered at the wire layer; treat as a
		// conflict rather than corrupt the document.
		return Result{Content: s.content, Version: s.version, Conflict: true}
	}
	s.version++
	s.dirty = true
	return Result{Content: s.content, Version: s.version}
}

// AddConnection attaches a connection for ident to the session, assigning
// the participant entry on first contact. Reports whether the user is newly
// present. A pending destroy timer is cancelled: the session is live again.
func (s *Session) AddConnection(connID string, info models.Participant) (newUser bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyTimer != nil {
		s.destroyTimer.Stop()
		s.destroyTimer = nil
	}
	p, ok := s.participants[info.UserID]
	if !ok {
		p = &participant{info: info, conns: make(map[string]struct{})}
		s.participants[info.UserID] = p
		newUser = true
	}
	p.conns[connID] = struct{}{}
	return newUser
}

// DropConnection detaches a connection without removing the participant;
// departure is adjudicated later by the reconnection supervisor.
func (s *Session) DropConnection(userID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[userID]; ok {
		delete(p.conns, connID)
	}
}

// RemoveConnection detaches a connection and removes the participant once
// their last connection to this session is gone. Used for explicit leaves.
func (s *Session) RemoveConnection(userID, connID string) (userGone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return false
	}
	delete(p.conns, connID)
	if len(p.conns) == 0 {
		delete(s.participants, userID)
		return true
	}
	return false
}

// RemoveUserIfDisconnected removes the participant entry for userID provided
// they hold no live connections to this session. Called when a grace window
// expires; returns false if the user reconnected in the meantime.
func (s *Session) RemoveUserIfDisconnected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok || len(p.conns) > 0 {
		return false
	}
	delete(s.participants, userID)
	return true
}

// UserConnections reports how many connections userID holds on this
// session (zero also for non-participants).
func (s *Session) UserConnections(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[userID]; ok {
		return len(p.conns)
	}
	return 0
}

// HasParticipant reports whether userID is currently in the session.
func (s *Session) HasParticipant(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[userID]
	return ok
}

// Participants lists the current members in no particular order.
func (s *Session) Participants() []models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.info)
	}
	return out
}

// Empty reports whether no participants remain.
func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants) == 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
