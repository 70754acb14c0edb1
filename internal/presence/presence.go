// Package presence tracks ephemeral cursor and typing state per note.
// Presence is last-write-wins and best-effort; document correctness never
// depends on it.
package presence

import (
	"sync"
	"time"

	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

// Tracker keys cursor and typing state by note, then by user.
type Tracker struct {
	clk        clock.Clock
	staleAfter time.Duration

	mu      sync.Mutex
	cursors map[string]map[string]models.CursorState
	typing  map[string]map[string]models.TypingState
}

// NewTracker builds a tracker. Typing entries older than staleAfter are
// dropped by Sweep, covering clients that vanish mid-keystroke.
func NewTracker(clk clock.Clock, staleAfter time.Duration) *Tracker {
	return &Tracker{
		clk:        clk,
		staleAfter: staleAfter,
		cursors:    make(map[string]map[string]models.CursorState),
		typing:     make(map[string]map[string]models.TypingState),
	}
}

// SetCursor records userID's caret on noteID, overwriting any previous
// position.
func (t *Tracker) SetCursor(noteID, userID string, position int, sel *models.Selection) models.CursorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := models.CursorState{
		UserID:    userID,
		Position:  position,
		Selection: sel,
		Color:     ColorFor(userID),
	}
	m, ok := t.cursors[noteID]
	if !ok {
		m = make(map[string]models.CursorState)
		t.cursors[noteID] = m
	}
	m[userID] = c
	return c
}

// SetTyping records or clears userID's typing indicator on noteID.
func (t *Tracker) SetTyping(noteID, userID string, isTyping bool, position int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !isTyping {
		if m, ok := t.typing[noteID]; ok {
			delete(m, userID)
		}
		return
	}
	m, ok := t.typing[noteID]
	if !ok {
		m = make(map[string]models.TypingState)
		t.typing[noteID] = m
	}
	m[userID] = models.TypingState{UserID: userID, Position: position, UpdatedAt: t.clk.Now()}
}

// ClearUser removes all presence for userID on noteID. Called on leave,
// disconnect teardown, and grace expiry.
func (t *Tracker) ClearUser(noteID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.cursors[noteID]; ok {
		delete(m, userID)
	}
	if m, ok := t.typing[noteID]; ok {
		delete(m, userID)
	}
}

// DropNote discards all presence for a destroyed session.
func (t *Tracker) DropNote(noteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, noteID)
	delete(t.typing, noteID)
}

// Snapshot returns the cursor and typing sets for a join reply.
func (t *Tracker) Snapshot(noteID string) ([]models.CursorState, []models.TypingState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cursors := make([]models.CursorState, 0, len(t.cursors[noteID]))
	for _, c := range t.cursors[noteID] {
		cursors = append(cursors, c)
	}
	typing := make([]models.TypingState, 0, len(t.typing[noteID]))
	for _, ts := range t.typing[noteID] {
		typing = append(typing, ts)
	}
	return cursors, typing
}

// ExpiredTyping identifies a typing entry dropped by Sweep.
type ExpiredTyping struct {
	NoteID string
	UserID string
}

// Sweep drops typing entries that have not been refreshed within the
// staleness window and returns them so callers can notify rooms.
func (t *Tracker) Sweep() []ExpiredTyping {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clk.Now().Add(-t.staleAfter)
	var expired []ExpiredTyping
	for noteID, m := range t.typing {
		for userID, ts := range m {
			if ts.UpdatedAt.Before(cutoff) {
				expired = append(expired, ExpiredTyping{NoteID: noteID, UserID: userID})
				delete(m, userID)
			}
		}
		if len(m) == 0 {
			delete(t.typing, noteID)
		}
	}
	return expired
}
