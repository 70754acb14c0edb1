package hub

import (
	"sync"

	"github.com/DustinHannon/CheatBook/internal/auth"
)

// Connection is one live socket bound to an authenticated identity, with
// the set of notes it has joined. The registry holds only non-owning
// references; session state lives in the session package.
type Connection struct {
	ID       string
	Identity auth.Identity

	mu    sync.Mutex
	notes map[string]struct{}
}

// JoinNote records that the connection joined noteID.
func (c *Connection) JoinNote(noteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes[noteID] = struct{}{}
}

// LeaveNote records that the connection left noteID.
func (c *Connection) LeaveNote(noteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notes, noteID)
}

// Notes lists the notes this connection has joined.
func (c *Connection) Notes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.notes))
	for n := range c.notes {
		out = append(out, n)
	}
	return out
}

// Registry maps live connections to identities. A user may hold several
// simultaneous connections.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	users map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		users: make(map[string]map[string]*Connection),
	}
}

// Register binds connID to ident and returns the connection record.
func (r *Registry) Register(connID string, ident auth.Identity) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Connection{ID: connID, Identity: ident, notes: make(map[string]struct{})}
	r.conns[connID] = c
	byUser, ok := r.users[ident.UserID]
	if !ok {
		byUser = make(map[string]*Connection)
		r.users[ident.UserID] = byUser
	}
	byUser[connID] = c
	return c
}

// Unregister removes connID and reports the connection record plus how many
// connections its user still holds.
func (r *Registry) Unregister(connID string) (*Connection, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, 0
	}
	delete(r.conns, connID)
	byUser := r.users[c.Identity.UserID]
	delete(byUser, connID)
	remaining := len(byUser)
	if remaining == 0 {
		delete(r.users, c.Identity.UserID)
	}
	return c, remaining
}

// Get returns the connection record for connID.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ConnectionsFor reports how many live connections userID holds.
func (r *Registry) ConnectionsFor(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID])
}
