// Package uploads tracks asset-upload tickets for notes and turns completed
// uploads into ordinary edit operations, so an inserted image reference
// cannot clobber edits made while the upload was in flight.
package uploads

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/internal/session"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

// ErrNoTicket reports a progress/complete/error event for an unknown upload.
var ErrNoTicket = errors.New("unknown upload ticket")

// Applier submits a synthesized operation into a note's version sequence.
// Satisfied by session.Engine.ApplyAtHead.
type Applier func(noteID string, op models.Operation) (session.Result, error)

type ticket struct {
	models.UploadTicket
	cleanup clock.Timer
}

// Coordinator owns the upload ticket table. Tickets are keyed by image id
// and live independently of their author's connection: an upload may finish
// after the uploader dropped.
type Coordinator struct {
	clk   clock.Clock
	ttl   time.Duration
	apply Applier

	mu      sync.Mutex
	tickets map[string]*ticket
}

// NewCoordinator builds a coordinator. ttl bounds how long finished tickets
// are retained for late reconciliation.
func NewCoordinator(clk clock.Clock, ttl time.Duration, apply Applier) *Coordinator {
	return &Coordinator{
		clk:     clk,
		ttl:     ttl,
		apply:   apply,
		tickets: make(map[string]*ticket),
	}
}

// Start opens a ticket. An empty imageID gets a generated one.
func (c *Coordinator) Start(noteID, imageID, authorID, filename string, size int64) models.UploadTicket {
	if imageID == "" {
		imageID = uuid.New().String()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &ticket{UploadTicket: models.UploadTicket{
		ImageID:  imageID,
		NoteID:   noteID,
		AuthorID: authorID,
		Filename: filename,
		Size:     size,
		Status:   models.UploadInProgress,
	}}
	c.tickets[imageID] = t
	return t.UploadTicket
}

// Progress records a progress report, clamped to [0,100].
func (c *Coordinator) Progress(imageID string, progress int) (models.UploadTicket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[imageID]
	if !ok {
		return models.UploadTicket{}, ErrNoTicket
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
	return t.UploadTicket, nil
}

// Complete marks the upload done. With an insert position it synthesizes an
// insert of the asset reference and applies it at the head of the note's
// version sequence; the returned operation and result, when non-nil, must be
// broadcast as a regular edit. Completing an already-completed ticket is a
// no-op returning the recorded state: a client retransmitting the event
// after a reconnect must not insert the reference twice.
func (c *Coordinator) Complete(noteID, imageID, url string, insertPos *int) (models.UploadTicket, *models.Operation, *session.Result, error) {
	c.mu.Lock()
	t, ok := c.tickets[imageID]
	if !ok {
		c.mu.Unlock()
		return models.UploadTicket{}, nil, nil, ErrNoTicket
	}
	if t.Status == models.UploadComplete {
		snapshot := t.UploadTicket
		c.mu.Unlock()
		return snapshot, nil, nil, nil
	}
	t.Status = models.UploadComplete
	t.Progress = 100
	t.URL = url
	c.scheduleCleanupLocked(t)
	snapshot := t.UploadTicket
	c.mu.Unlock()

	if insertPos == nil {
		return snapshot, nil, nil, nil
	}

	op := models.Operation{
		Kind:     models.OpInsert,
		Index:    *insertPos,
		Text:     fmt.Sprintf("![%s](%s)", snapshot.Filename, url),
		AuthorID: snapshot.AuthorID,
	}
	res, err := c.apply(noteID, op)
	if err != nil {
		log.Warn("upload insert dropped", "note", noteID, "image", imageID, "err", err)
		return snapshot, nil, nil, err
	}
	op.BaseVersion = res.Version - 1
	return snapshot, &op, &res, nil
}

// Fail marks the upload failed and schedules ticket cleanup.
func (c *Coordinator) Fail(imageID string) (models.UploadTicket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[imageID]
	if !ok {
		return models.UploadTicket{}, ErrNoTicket
	}
	t.Status = models.UploadError
	c.scheduleCleanupLocked(t)
	return t.UploadTicket, nil
}

// Get returns the ticket for imageID, if it is still retained.
func (c *Coordinator) Get(imageID string) (models.UploadTicket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[imageID]
	if !ok {
		return models.UploadTicket{}, false
	}
	return t.UploadTicket, true
}

func (c *Coordinator) scheduleCleanupLocked(t *ticket) {
	if t.cleanup != nil {
		t.cleanup.Stop()
	}
	id := t.ImageID
	t.cleanup = c.clk.AfterFunc(c.ttl, func() {
		c.mu.Lock()
		delete(c.tickets, id)
		c.mu.Unlock()
	})
}
