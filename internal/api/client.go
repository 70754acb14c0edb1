package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/DustinHannon/CheatBook/internal/auth"
	"github.com/DustinHannon/CheatBook/internal/hub"
	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/internal/presence"
	"github.com/DustinHannon/CheatBook/internal/session"
	"github.com/DustinHannon/CheatBook/internal/uploads"
)

// client is one websocket connection bound to an authenticated identity.
type client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan *models.Envelope
	server   *Server
	reg      *hub.Connection
}

func (c *client) ID() string { return c.id }

// Enqueue is the room-delivery path. It never blocks: a full buffer
// reports false and the room drops this subscriber.
func (c *client) Enqueue(msg *models.Envelope) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) reply(t models.MessageType, payload interface{}) {
	c.Enqueue(models.NewEnvelope(t, payload))
}

func (c *client) sendError(code models.ErrorCode, message, noteID string) {
	c.reply(models.MsgError, models.ErrorReply{Code: code, Message: message, NoteID: noteID})
}

// readPump reads frames until the connection drops, dispatching each inside
// a recover boundary so one bad event cannot take other sessions down.
func (c *client) readPump() {
	defer func() {
		c.server.disconnect(c)
		c.conn.Close()
		close(c.send)
	}()

	for {
		var env models.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", "conn", c.id, "err", err)
			}
			return
		}
		c.dispatch(&env)
	}
}

// writePump drains the send channel to the socket.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Warn("websocket write error", "conn", c.id, "err", err)
			return
		}
	}
}

func (c *client) dispatch(env *models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling message", "conn", c.id, "type", env.Type, "panic", r)
			c.sendError(models.CodeInternal, "internal error", "")
		}
	}()

	switch env.Type {
	case models.MsgJoin:
		var req models.JoinRequest
		c.decode(env, &req, func() { c.handleJoin(req) })
	case models.MsgLeave:
		var req models.LeaveRequest
		c.decode(env, &req, func() { c.handleLeave(req) })
	case models.MsgEdit:
		var req models.EditRequest
		c.decode(env, &req, func() { c.handleEdit(req) })
	case models.MsgCursor:
		var req models.CursorUpdate
		c.decode(env, &req, func() { c.handleCursor(req) })
	case models.MsgTyping:
		var req models.TypingUpdate
		c.decode(env, &req, func() { c.handleTyping(req) })
	case models.MsgUploadStart:
		var req models.UploadStartRequest
		c.decode(env, &req, func() { c.handleUploadStart(req) })
	case models.MsgUploadProgress:
		var req models.UploadProgressRequest
		c.decode(env, &req, func() { c.handleUploadProgress(req) })
	case models.MsgUploadComplete:
		var req models.UploadCompleteRequest
		c.decode(env, &req, func() { c.handleUploadComplete(req) })
	case models.MsgUploadError:
		var req models.UploadErrorRequest
		c.decode(env, &req, func() { c.handleUploadError(req) })
	default:
		c.sendError(models.CodeBadRequest, "unknown message type", "")
	}
}

func (c *client) decode(env *models.Envelope, dst interface{}, then func()) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		c.sendError(models.CodeBadRequest, "malformed payload", "")
		return
	}
	then()
}

func (c *client) authorized(noteID string) bool {
	if noteID == "" {
		c.sendError(models.CodeBadRequest, "missing note id", "")
		return false
	}
	if !c.server.authorizer.CanAccess(c.identity.UserID, noteID) {
		c.sendError(models.CodeAccessDenied, "no access to note", noteID)
		return false
	}
	return true
}

func (c *client) handleJoin(req models.JoinRequest) {
	if !c.authorized(req.NoteID) {
		return
	}
	s := c.server

	sess, err := s.sessions.GetOrCreate(context.Background(), req.NoteID)
	if err != nil {
		// Load failures block the join and are reported only here.
		log.Error("session load failed", "note", req.NoteID, "err", err)
		c.sendError(models.CodeStorageFailed, "could not load note", req.NoteID)
		return
	}

	info := models.Participant{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		Color:       presence.ColorFor(c.identity.UserID),
	}
	newUser := sess.AddConnection(c.id, info)
	c.reg.JoinNote(req.NoteID)
	s.rooms.Join(req.NoteID, c)

	content, version := sess.Snapshot()
	cursors, typing := s.presence.Snapshot(req.NoteID)
	c.reply(models.MsgJoined, models.JoinedReply{
		NoteID:       req.NoteID,
		Version:      version,
		Content:      content,
		Participants: sess.Participants(),
		Cursors:      cursors,
		Typing:       typing,
	})

	if newUser {
		s.rooms.Publish(req.NoteID, models.NewEnvelope(models.MsgUserJoined, models.UserJoinedEvent{
			NoteID:      req.NoteID,
			Participant: info,
		}), c.id)
	}
}

func (c *client) handleLeave(req models.LeaveRequest) {
	if req.NoteID == "" {
		c.sendError(models.CodeBadRequest, "missing note id", "")
		return
	}
	s := c.server
	userID := c.identity.UserID

	s.rooms.Leave(req.NoteID, c.id)
	c.reg.LeaveNote(req.NoteID)

	sess, ok := s.sessions.Get(req.NoteID)
	if !ok {
		return
	}
	if sess.RemoveConnection(userID, c.id) {
		// Explicit leave skips the grace window: the user chose to go.
		s.presence.ClearUser(req.NoteID, userID)
		s.rooms.Publish(req.NoteID, models.NewEnvelope(models.MsgUserLeft, models.UserLeftEvent{
			NoteID: req.NoteID,
			UserID: userID,
		}), "")
	}
	if sess.Empty() {
		s.sessions.ScheduleDestroy(sess)
	}
}

func (c *client) handleEdit(req models.EditRequest) {
	if !c.authorized(req.NoteID) {
		return
	}
	s := c.server

	op := req.Operation
	op.AuthorID = c.identity.UserID
	op.BaseVersion = req.BaseVersion
	if op.Kind != models.OpInsert && op.Kind != models.OpReplace {
		c.sendError(models.CodeBadRequest, "unknown operation kind", req.NoteID)
		return
	}

	res, err := s.engine.Apply(req.NoteID, op)
	if errors.Is(err, session.ErrNoSession) {
		c.sendError(models.CodeNotFound, "session not active, rejoin", req.NoteID)
		return
	}

	ack := models.EditAck{NoteID: req.NoteID, Version: res.Version, Conflict: res.Conflict}
	if res.Conflict {
		// The loser resyncs from the authoritative state; no broadcast.
		ack.Content = res.Content
		c.reply(models.MsgEditAck, ack)
		return
	}
	c.reply(models.MsgEditAck, ack)

	s.rooms.Publish(req.NoteID, models.NewEnvelope(models.MsgEdit, models.EditEvent{
		NoteID:    req.NoteID,
		Operation: op,
		AuthorID:  op.AuthorID,
		Version:   res.Version,
	}), c.id)

	if req.ShouldSave {
		go func() {
			if err := s.engine.Save(context.Background(), req.NoteID); err != nil {
				log.Error("requested save failed", "note", req.NoteID, "err", err)
			}
		}()
	}
}

func (c *client) handleCursor(req models.CursorUpdate) {
	if !c.authorized(req.NoteID) {
		return
	}
	cur := c.server.presence.SetCursor(req.NoteID, c.identity.UserID, req.Position, req.Selection)
	c.server.rooms.Publish(req.NoteID, models.NewEnvelope(models.MsgCursor, models.CursorEvent{
		NoteID: req.NoteID,
		Cursor: cur,
	}), c.id)
}

func (c *client) handleTyping(req models.TypingUpdate) {
	if !c.authorized(req.NoteID) {
		return
	}
	c.server.presence.SetTyping(req.NoteID, c.identity.UserID, req.IsTyping, req.Position)
	c.server.rooms.Publish(req.NoteID, models.NewEnvelope(models.MsgTyping, models.TypingEvent{
		NoteID:   req.NoteID,
		UserID:   c.identity.UserID,
		IsTyping: req.IsTyping,
		Position: req.Position,
	}), c.id)
}

func (c *client) handleUploadStart(req models.UploadStartRequest) {
	if !c.authorized(req.NoteID) {
		return
	}
	ticket := c.server.uploads.Start(req.NoteID, req.ImageID, c.identity.UserID, req.Filename, req.Size)
	c.broadcastUpload(models.MsgUploadStart, ticket)
}

func (c *client) handleUploadProgress(req models.UploadProgressRequest) {
	if !c.authorized(req.NoteID) {
		return
	}
	ticket, err := c.server.uploads.Progress(req.ImageID, req.Progress)
	if err != nil {
		c.sendError(models.CodeNotFound, "unknown upload", req.NoteID)
		return
	}
	c.broadcastUpload(models.MsgUploadProgress, ticket)
}

func (c *client) handleUploadComplete(req models.UploadCompleteRequest) {
	if !c.authorized(req.NoteID) {
		return
	}
	s := c.server
	ticket, op, res, err := s.uploads.Complete(req.NoteID, req.ImageID, req.URL, req.InsertPosition)
	if errors.Is(err, uploads.ErrNoTicket) {
		c.sendError(models.CodeNotFound, "unknown upload", req.NoteID)
		return
	}
	c.broadcastUpload(models.MsgUploadComplete, ticket)
	if err != nil {
		c.sendError(models.CodeNotFound, "session not active, rejoin", req.NoteID)
		return
	}
	if op != nil {
		// The insert went through the engine like any edit, so everyone
		// receives one operation, never a raw content replacement.
		s.rooms.Publish(req.NoteID, models.NewEnvelope(models.MsgEdit, models.EditEvent{
			NoteID:    req.NoteID,
			Operation: *op,
			AuthorID:  op.AuthorID,
			Version:   res.Version,
		}), "")
	}
}

func (c *client) handleUploadError(req models.UploadErrorRequest) {
	if !c.authorized(req.NoteID) {
		return
	}
	ticket, err := c.server.uploads.Fail(req.ImageID)
	if err != nil {
		c.sendError(models.CodeNotFound, "unknown upload", req.NoteID)
		return
	}
	c.broadcastUpload(models.MsgUploadError, ticket)
}

func (c *client) broadcastUpload(t models.MessageType, ticket models.UploadTicket) {
	c.server.rooms.Publish(ticket.NoteID, models.NewEnvelope(t, models.UploadEvent{
		NoteID: ticket.NoteID,
		Ticket: ticket,
	}), "")
}
