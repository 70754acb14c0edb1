// Package hub routes events between connections: room fanout, the
// connection-to-identity registry, and the reconnection supervisor.
package hub

import (
	"sync"

	"github.com/DustinHannon/CheatBook/internal/models"
)

// Subscriber is a connection that can receive room events. Enqueue must not
// block; it reports false when the subscriber's buffer is full.
type Subscriber interface {
	ID() string
	Enqueue(*models.Envelope) bool
}

type room struct {
	mu      sync.Mutex
	members map[string]Subscriber
}

// Rooms fans events out to every connection joined to a note. Publishes for
// one note are serialized under the room lock, so subscribers observe them
// in publish order; joins are synchronous with publishes — a connection
// joined before a publish begins is guaranteed delivery.
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*room)}
}

// Join subscribes sub to noteID's room. The registry lock is held across
// the member insertion so a concurrent Leave cannot reap the room between
// lookup and insert, which would strand the subscriber on an orphaned room.
func (r *Rooms) Join(noteID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[noteID]
	if !ok {
		rm = &room{members: make(map[string]Subscriber)}
		r.rooms[noteID] = rm
	}
	rm.mu.Lock()
	rm.members[sub.ID()] = sub
	rm.mu.Unlock()
}

// Leave unsubscribes a connection; empty rooms are reaped.
func (r *Rooms) Leave(noteID, connID string) {
	r.mu.Lock()
	rm, ok := r.rooms[noteID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		rm.mu.Lock()
		if len(rm.members) == 0 {
			delete(r.rooms, noteID)
		}
		rm.mu.Unlock()
		r.mu.Unlock()
	}
}

// Publish delivers msg to every member of noteID's room except
// excludeConnID (empty string excludes nobody). A member whose buffer is
// full is dropped from the room; its write pump will tear the connection
// down.
func (r *Rooms) Publish(noteID string, msg *models.Envelope, excludeConnID string) {
	r.mu.Lock()
	rm, ok := r.rooms[noteID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, sub := range rm.members {
		if id == excludeConnID {
			continue
		}
		if !sub.Enqueue(msg) {
			delete(rm.members, id)
		}
	}
}

// Members returns the connection ids currently joined to noteID.
func (r *Rooms) Members(noteID string) []string {
	r.mu.Lock()
	rm, ok := r.rooms[noteID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	return ids
}
