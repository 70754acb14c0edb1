package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/DustinHannon/CheatBook/internal/store"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

// ErrNoSession reports an operation against a note with no resident
// session; the client must rejoin.
var ErrNoSession = errors.New("no active session")

// Registry owns the arena of live sessions, keyed by note id. Sessions are
// created lazily on first join and destroyed, after a final flush, once
// empty past the linger delay.
type Registry struct {
	store  store.DocumentStore
	clk    clock.Clock
	linger time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	loads    singleflight.Group
}

// NewRegistry builds a registry over the given document store. linger is
// how long an empty session stays resident before destruction.
func NewRegistry(st store.DocumentStore, clk clock.Clock, linger time.Duration) *Registry {
	return &Registry{
		store:    st,
		clk:      clk,
		linger:   linger,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the resident session for noteID, loading content from
// the document store on first use. Concurrent calls for the same note share
// a single load; a note absent from the store starts as an empty document.
func (r *Registry) GetOrCreate(ctx context.Context, noteID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[noteID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	v, err, _ := r.loads.Do(noteID, func() (interface{}, error) {
		r.mu.Lock()
		if s, ok := r.sessions[noteID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		content, err := r.store.Load(ctx, noteID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load note %s: %w", noteID, err)
		}

		s := newSession(noteID, content)
		r.mu.Lock()
		r.sessions[noteID] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns the resident session for noteID, if any.
func (r *Registry) Get(noteID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[noteID]
	return s, ok
}

// ForParticipant returns every resident session that still lists userID as
// a participant, regardless of which connection joined it.
func (r *Registry) ForParticipant(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.HasParticipant(userID) {
			out = append(out, s)
		}
	}
	return out
}

// Flush saves the session's content if it has changed since the last save.
// A failed save is logged and leaves the session dirty so a later flush
// retries; in-memory state stays authoritative.
func (r *Registry) Flush(ctx context.Context, s *Session) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	content := s.content
	version := s.version
	s.mu.Unlock()

	if err := r.store.Save(ctx, s.NoteID, content); err != nil {
		log.Error("save failed, will retry", "note", s.NoteID, "err", err)
		return fmt.Errorf("save note %s: %w", s.NoteID, err)
	}

	s.mu.Lock()
	// Edits may have landed during the save; only a save of the latest
	// version clears the dirty flag.
	if s.version == version {
		s.dirty = false
	}
	s.mu.Unlock()
	return nil
}

// FlushAll flushes every dirty resident session. Used by the periodic
// flusher and at shutdown.
func (r *Registry) FlushAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		_ = r.Flush(ctx, s)
	}
}

// ScheduleDestroy arms the linger timer on an empty session. Arming is
// idempotent; a join cancels it via AddConnection.
func (r *Registry) ScheduleDestroy(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.participants) > 0 || s.destroyTimer != nil {
		return
	}
	s.destroyTimer = r.clk.AfterFunc(r.linger, func() {
		r.Destroy(context.Background(), s.NoteID)
	})
}

// Destroy flushes and removes the session for noteID, provided it is still
// empty. Firing after a reconnect, or twice, is a no-op.
func (r *Registry) Destroy(ctx context.Context, noteID string) {
	r.mu.Lock()
	s, ok := r.sessions[noteID]
	r.mu.Unlock()
	if !ok || !s.Empty() {
		return
	}

	// Flush before removal so a racing join still finds the resident
	// session rather than loading a stale copy from the store.
	if err := r.Flush(ctx, s); err != nil {
		// Keep the session resident; the flusher retries the save and a
		// later leave can re-arm destruction.
		s.mu.Lock()
		s.destroyTimer = nil
		s.mu.Unlock()
		return
	}

	r.mu.Lock()
	s.mu.Lock()
	if len(s.participants) == 0 {
		delete(r.sessions, noteID)
		log.Debug("session destroyed", "note", noteID)
	}
	s.destroyTimer = nil
	s.mu.Unlock()
	r.mu.Unlock()
}

// Len reports the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
