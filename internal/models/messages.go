package models

import "encoding/json"

// MessageType tags every frame exchanged over a collaboration connection.
// Dispatch is an exhaustive switch over these constants; an unknown tag is
// rejected with ErrBadRequest rather than silently dropped.
type MessageType string

// Client to server.
const (
	MsgJoin           MessageType = "join"
	MsgLeave          MessageType = "leave"
	MsgEdit           MessageType = "edit"
	MsgCursor         MessageType = "cursor"
	MsgTyping         MessageType = "typing"
	MsgUploadStart    MessageType = "upload_start"
	MsgUploadProgress MessageType = "upload_progress"
	MsgUploadComplete MessageType = "upload_complete"
	MsgUploadError    MessageType = "upload_error"
)

// Server to client.
const (
	MsgJoined     MessageType = "joined"
	MsgUserJoined MessageType = "user_joined"
	MsgUserLeft   MessageType = "user_left"
	MsgEditAck    MessageType = "edit_ack"
	MsgError      MessageType = "error"
)

// Envelope is the wire frame: a type tag plus a type-specific payload.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Payloads are plain structs
// from this package, so marshalling cannot fail in practice; an error here
// indicates a programming bug and yields an empty payload.
func NewEnvelope(t MessageType, payload interface{}) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &Envelope{Type: t}
	}
	return &Envelope{Type: t, Payload: raw}
}

// JoinRequest opens a collaborative session on a note.
type JoinRequest struct {
	NoteID string `json:"note_id"`
}

// LeaveRequest detaches the connection from a note.
type LeaveRequest struct {
	NoteID string `json:"note_id"`
}

// EditRequest submits one operation against the sender's last known version.
type EditRequest struct {
	NoteID      string    `json:"note_id"`
	Operation   Operation `json:"operation"`
	BaseVersion int64     `json:"base_version"`
	ShouldSave  bool      `json:"should_save"`
}

// CursorUpdate reports the sender's caret; broadcast-only, never persisted.
type CursorUpdate struct {
	NoteID    string     `json:"note_id"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// TypingUpdate toggles the sender's typing indicator.
type TypingUpdate struct {
	NoteID   string `json:"note_id"`
	IsTyping bool   `json:"is_typing"`
	Position int    `json:"position,omitempty"`
}

// UploadStartRequest announces a new asset upload.
type UploadStartRequest struct {
	NoteID   string `json:"note_id"`
	ImageID  string `json:"image_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// UploadProgressRequest reports upload progress in [0,100].
type UploadProgressRequest struct {
	NoteID   string `json:"note_id"`
	ImageID  string `json:"image_id"`
	Progress int    `json:"progress"`
}

// UploadCompleteRequest finishes an upload. When InsertPosition is set the
// server inserts a reference to URL into the note at that index.
type UploadCompleteRequest struct {
	NoteID         string `json:"note_id"`
	ImageID        string `json:"image_id"`
	URL            string `json:"url"`
	InsertPosition *int   `json:"insert_position,omitempty"`
}

// UploadErrorRequest marks an upload as failed.
type UploadErrorRequest struct {
	NoteID  string `json:"note_id"`
	ImageID string `json:"image_id"`
	Message string `json:"message"`
}

// JoinedReply is the snapshot sent to a client entering a session.
type JoinedReply struct {
	NoteID       string        `json:"note_id"`
	Version      int64         `json:"version"`
	Content      string        `json:"content"`
	Participants []Participant `json:"participants"`
	Cursors      []CursorState `json:"cursors"`
	Typing       []TypingState `json:"typing"`
}

// UserJoinedEvent notifies a room that a participant arrived.
type UserJoinedEvent struct {
	NoteID      string      `json:"note_id"`
	Participant Participant `json:"participant"`
}

// UserLeftEvent notifies a room that a participant truly departed, i.e.
// their grace window expired or they left every connection explicitly.
type UserLeftEvent struct {
	NoteID string `json:"note_id"`
	UserID string `json:"user_id"`
}

// EditAck answers the submitter of an edit. Content is populated only on
// conflict, carrying the authoritative text the client must resync to.
type EditAck struct {
	NoteID   string `json:"note_id"`
	Version  int64  `json:"version"`
	Conflict bool   `json:"conflict"`
	Content  string `json:"content,omitempty"`
}

// EditEvent is the room broadcast for an accepted operation.
type EditEvent struct {
	NoteID    string    `json:"note_id"`
	Operation Operation `json:"operation"`
	AuthorID  string    `json:"author_id"`
	Version   int64     `json:"version"`
}

// CursorEvent is the room broadcast for a cursor move.
type CursorEvent struct {
	NoteID string      `json:"note_id"`
	Cursor CursorState `json:"cursor"`
}

// TypingEvent is the room broadcast for a typing toggle.
type TypingEvent struct {
	NoteID   string `json:"note_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
	Position int    `json:"position,omitempty"`
}

// UploadEvent is the room broadcast for any upload lifecycle change.
type UploadEvent struct {
	NoteID string       `json:"note_id"`
	Ticket UploadTicket `json:"ticket"`
}

// ErrorCode classifies failures reported to a single connection.
type ErrorCode string

const (
	CodeAuthFailed    ErrorCode = "auth_failed"
	CodeAccessDenied  ErrorCode = "access_denied"
	CodeNotFound      ErrorCode = "not_found"
	CodeStorageFailed ErrorCode = "storage_failed"
	CodeBadRequest    ErrorCode = "bad_request"
	CodeInternal      ErrorCode = "internal"
)

// ErrorReply is sent only to the connection that caused the failure.
type ErrorReply struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	NoteID  string    `json:"note_id,omitempty"`
}
