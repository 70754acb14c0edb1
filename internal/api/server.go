// Package api exposes the collaboration protocol over websocket
// connections and dispatches client messages to the state components.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DustinHannon/CheatBook/internal/auth"
	"github.com/DustinHannon/CheatBook/internal/hub"
	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/internal/presence"
	"github.com/DustinHannon/CheatBook/internal/session"
	"github.com/DustinHannon/CheatBook/internal/uploads"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// Server terminates websocket connections and routes protocol messages.
type Server struct {
	verifier   auth.Verifier
	authorizer auth.Authorizer
	registry   *hub.Registry
	rooms      *hub.Rooms
	supervisor *hub.Supervisor
	sessions   *session.Registry
	engine     *session.Engine
	presence   *presence.Tracker
	uploads    *uploads.Coordinator
	clk        clock.Clock
	sweepEvery time.Duration
}

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Verifier   auth.Verifier
	Authorizer auth.Authorizer
	Sessions   *session.Registry
	Engine     *session.Engine
	Presence   *presence.Tracker
	Uploads    *uploads.Coordinator
	Clock      clock.Clock
	Grace      time.Duration
	SweepEvery time.Duration
}

// NewServer wires the websocket layer. The reconnection supervisor's expiry
// callback lands back here so teardown can notify rooms.
func NewServer(d Deps) *Server {
	s := &Server{
		verifier:   d.Verifier,
		authorizer: d.Authorizer,
		registry:   hub.NewRegistry(),
		rooms:      hub.NewRooms(),
		sessions:   d.Sessions,
		engine:     d.Engine,
		presence:   d.Presence,
		uploads:    d.Uploads,
		clk:        d.Clock,
		sweepEvery: d.SweepEvery,
	}
	s.supervisor = hub.NewSupervisor(d.Clock, d.Grace, s.teardownUser)
	return s
}

// Start arms the typing staleness sweeper.
func (s *Server) Start() {
	s.scheduleSweep()
}

func (s *Server) scheduleSweep() {
	s.clk.AfterFunc(s.sweepEvery, func() {
		for _, e := range s.presence.Sweep() {
			s.rooms.Publish(e.NoteID, models.NewEnvelope(models.MsgTyping, models.TypingEvent{
				NoteID: e.NoteID,
				UserID: e.UserID,
			}), "")
		}
		s.scheduleSweep()
	})
}

// Rooms exposes the broadcast router, e.g. for service-level notifications.
func (s *Server) Rooms() *hub.Rooms { return s.rooms }

// Supervisor exposes the reconnection supervisor for inspection.
func (s *Server) Supervisor() *hub.Supervisor { return s.supervisor }

// HandleWebSocket authenticates the credential from the token query
// parameter and upgrades the connection. An invalid credential is refused
// before any event is processed.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		log.Warn("authentication refused", "remote", r.RemoteAddr)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		id:       uuid.New().String(),
		identity: ident,
		conn:     conn,
		send:     make(chan *models.Envelope, 256),
		server:   s,
	}
	c.reg = s.registry.Register(c.id, ident)
	s.supervisor.ConnectionOpened(ident.UserID)

	go c.writePump()
	go c.readPump()

	log.Info("client connected", "conn", c.id, "user", ident.UserID)
}

// teardownUser runs when a user's grace window expires: remove them from
// every session that still lists them, clear presence, notify rooms, flush,
// and schedule destruction of sessions now empty. The session registry is
// the source of truth here, so notes joined by connections that dropped
// earlier (while others remained open) are swept too.
func (s *Server) teardownUser(userID string) {
	sessions := s.sessions.ForParticipant(userID)
	for _, sess := range sessions {
		noteID := sess.NoteID
		if !sess.RemoveUserIfDisconnected(userID) {
			continue
		}
		s.presence.ClearUser(noteID, userID)
		s.rooms.Publish(noteID, models.NewEnvelope(models.MsgUserLeft, models.UserLeftEvent{
			NoteID: noteID,
			UserID: userID,
		}), "")
		if err := s.sessions.Flush(context.Background(), sess); err != nil {
			log.Error("teardown flush failed", "note", noteID, "err", err)
		}
		if sess.Empty() {
			s.sessions.ScheduleDestroy(sess)
		}
	}
	log.Info("user departed", "user", userID, "notes", len(sessions))
}

// disconnect cleans up after a closed connection. The participant entry is
// kept; the supervisor decides later whether this was a true departure.
func (s *Server) disconnect(c *client) {
	conn, remaining := s.registry.Unregister(c.id)
	if conn == nil {
		return
	}
	userID := c.identity.UserID
	notes := conn.Notes()
	for _, noteID := range notes {
		s.rooms.Leave(noteID, c.id)
		if sess, ok := s.sessions.Get(noteID); ok {
			sess.DropConnection(userID, c.id)
			if sess.UserConnections(userID) == 0 {
				// Typing state does not survive a disconnect even
				// inside the grace window.
				s.presence.SetTyping(noteID, userID, false, 0)
				s.rooms.Publish(noteID, models.NewEnvelope(models.MsgTyping, models.TypingEvent{
					NoteID: noteID,
					UserID: userID,
				}), "")
			}
		}
	}
	s.supervisor.ConnectionClosed(userID, remaining)
	log.Info("client disconnected", "conn", c.id, "user", userID, "remaining", remaining)
}
