package models

import (
	"time"
)

// OperationKind discriminates the two supported text mutations.
type OperationKind string

const (
	OpInsert  OperationKind = "insert"
	OpReplace OperationKind = "replace"
)

// Operation is a single text mutation submitted against a known base
// version. Operations are transient: applied, broadcast, never stored.
type Operation struct {
	Kind        OperationKind `json:"kind"`
	Index       int           `json:"index"`
	Length      int           `json:"length,omitempty"`
	Text        string        `json:"text"`
	AuthorID    string        `json:"author_id"`
	BaseVersion int64         `json:"base_version"`
}

// Participant is a user joined to a note's session, possibly through
// several simultaneous connections.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

// Selection is an inclusive-exclusive character range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorState is ephemeral last-write-wins presence; no history is kept.
type CursorState struct {
	UserID    string     `json:"user_id"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
	Color     string     `json:"color"`
}

// TypingState exists only while a user is actively composing.
type TypingState struct {
	UserID    string    `json:"user_id"`
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UploadStatus is the lifecycle phase of an asset upload.
type UploadStatus string

const (
	UploadInProgress UploadStatus = "uploading"
	UploadComplete   UploadStatus = "complete"
	UploadError      UploadStatus = "error"
)

// UploadTicket tracks one asset upload attached to a note. A ticket may
// outlive the connection that started it.
type UploadTicket struct {
	ImageID  string       `json:"image_id"`
	NoteID   string       `json:"note_id"`
	AuthorID string       `json:"author_id"`
	Filename string       `json:"filename"`
	Size     int64        `json:"size"`
	Progress int          `json:"progress"`
	Status   UploadStatus `json:"status"`
	URL      string       `json:"url,omitempty"`
}
