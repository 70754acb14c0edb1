package uploads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/internal/session"
	"github.com/DustinHannon/CheatBook/internal/store"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

type nullStore struct{}

func (nullStore) Load(context.Context, string) (string, error) { return "", store.ErrNotFound }
func (nullStore) Save(context.Context, string, string) error   { return nil }
func (nullStore) Close() error                                 { return nil }

func newTestEngine(fake *clock.Fake) (*session.Registry, *session.Engine) {
	reg := session.NewRegistry(nullStore{}, fake, time.Minute)
	return reg, session.NewEngine(reg, fake, time.Minute)
}

func TestUploadLifecycle(t *testing.T) {
	fake := clock.NewFake()
	_, engine := newTestEngine(fake)
	c := NewCoordinator(fake, time.Minute, engine.ApplyAtHead)

	ticket := c.Start("n1", "img1", "alice", "cat.png", 1024)
	if ticket.Status != models.UploadInProgress {
		t.Errorf("Expected uploading status, got %s", ticket.Status)
	}

	ticket, err := c.Progress("img1", 55)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if ticket.Progress != 55 {
		t.Errorf("Expected progress 55, got %d", ticket.Progress)
	}

	// Out-of-range reports are clamped.
	ticket, _ = c.Progress("img1", 150)
	if ticket.Progress != 100 {
		t.Errorf("Expected clamped progress 100, got %d", ticket.Progress)
	}
}

func TestCompleteSynthesizesInsert(t *testing.T) {
	fake := clock.NewFake()
	reg, engine := newTestEngine(fake)
	c := NewCoordinator(fake, time.Minute, engine.ApplyAtHead)

	sess, _ := reg.GetOrCreate(context.Background(), "n1")
	sess.Apply(models.Operation{Kind: models.OpInsert, Index: 0, Text: "Hello", BaseVersion: 1})

	c.Start("n1", "img1", "alice", "cat.png", 1024)
	pos := 5
	ticket, op, res, err := c.Complete("n1", "img1", "https://cdn/cat.png", &pos)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if ticket.Status != models.UploadComplete || ticket.Progress != 100 {
		t.Errorf("Expected completed ticket, got %+v", ticket)
	}

	if op == nil || res == nil {
		t.Fatal("Expected a synthesized operation")
	}
	if op.Kind != models.OpInsert || op.Index != 5 {
		t.Errorf("Expected insert at index 5, got %+v", op)
	}
	if op.Text != "![cat.png](https://cdn/cat.png)" {
		t.Errorf("Unexpected reference token '%s'", op.Text)
	}

	// The insert joined the note's version sequence like a manual edit.
	content, version := sess.Snapshot()
	if version != 3 {
		t.Errorf("Expected version 3, got %d", version)
	}
	if content != "Hello![cat.png](https://cdn/cat.png)" {
		t.Errorf("Unexpected content '%s'", content)
	}
	if res.Version != 3 {
		t.Errorf("Expected result version 3, got %d", res.Version)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	fake := clock.NewFake()
	reg, engine := newTestEngine(fake)
	c := NewCoordinator(fake, time.Minute, engine.ApplyAtHead)

	sess, _ := reg.GetOrCreate(context.Background(), "n1")
	sess.Apply(models.Operation{Kind: models.OpInsert, Index: 0, Text: "Hello", BaseVersion: 1})

	c.Start("n1", "img1", "alice", "cat.png", 1024)
	pos := 5
	if _, op, _, err := c.Complete("n1", "img1", "https://cdn/cat.png", &pos); err != nil || op == nil {
		t.Fatalf("First complete must synthesize the insert, got op=%v err=%v", op, err)
	}

	// A retransmitted completion returns the recorded state and applies
	// nothing.
	ticket, op, res, err := c.Complete("n1", "img1", "https://cdn/cat.png", &pos)
	if err != nil {
		t.Fatalf("Second complete failed: %v", err)
	}
	if ticket.Status != models.UploadComplete || ticket.URL != "https://cdn/cat.png" {
		t.Errorf("Expected recorded ticket state, got %+v", ticket)
	}
	if op != nil || res != nil {
		t.Error("Retransmitted completion must not synthesize another insert")
	}

	content, version := sess.Snapshot()
	if version != 3 {
		t.Errorf("Expected version unchanged at 3, got %d", version)
	}
	if content != "Hello![cat.png](https://cdn/cat.png)" {
		t.Errorf("Expected a single reference token, got '%s'", content)
	}
}

func TestCompleteWithoutPosition(t *testing.T) {
	fake := clock.NewFake()
	_, engine := newTestEngine(fake)
	c := NewCoordinator(fake, time.Minute, engine.ApplyAtHead)

	c.Start("n1", "img1", "alice", "cat.png", 10)
	_, op, _, err := c.Complete("n1", "img1", "https://cdn/cat.png", nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if op != nil {
		t.Error("Expected no operation without an insert position")
	}
}

func TestTicketSurvivesUntilTTL(t *testing.T) {
	fake := clock.NewFake()
	_, engine := newTestEngine(fake)
	c := NewCoordinator(fake, 30*time.Second, engine.ApplyAtHead)

	c.Start("n1", "img1", "alice", "cat.png", 10)
	c.Complete("n1", "img1", "https://cdn/cat.png", nil)

	// Completed tickets linger for late reconciliation...
	if _, ok := c.Get("img1"); !ok {
		t.Fatal("Expected completed ticket retained")
	}

	// ...then are discarded after the cleanup delay.
	fake.Advance(31 * time.Second)
	if _, ok := c.Get("img1"); ok {
		t.Fatal("Expected ticket discarded after TTL")
	}
}

func TestFailSchedulesCleanup(t *testing.T) {
	fake := clock.NewFake()
	_, engine := newTestEngine(fake)
	c := NewCoordinator(fake, 30*time.Second, engine.ApplyAtHead)

	c.Start("n1", "img1", "alice", "cat.png", 10)
	ticket, err := c.Fail("img1")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if ticket.Status != models.UploadError {
		t.Errorf("Expected error status, got %s", ticket.Status)
	}

	fake.Advance(31 * time.Second)
	if _, ok := c.Get("img1"); ok {
		t.Fatal("Expected failed ticket discarded after TTL")
	}
}

func TestUnknownTicket(t *testing.T) {
	fake := clock.NewFake()
	_, engine := newTestEngine(fake)
	c := NewCoordinator(fake, time.Minute, engine.ApplyAtHead)

	if _, err := c.Progress("ghost", 10); !errors.Is(err, ErrNoTicket) {
		t.Errorf("Expected ErrNoTicket, got %v", err)
	}
	if _, _, _, err := c.Complete("n1", "ghost", "url", nil); !errors.Is(err, ErrNoTicket) {
		t.Errorf("Expected ErrNoTicket, got %v", err)
	}
	if _, err := c.Fail("ghost"); !errors.Is(err, ErrNoTicket) {
		t.Errorf("Expected ErrNoTicket, got %v", err)
	}
}

func TestGeneratedImageID(t *testing.T) {
	fake := clock.NewFake()
	_, engine := newTestEngine(fake)
	c := NewCoordinator(fake, time.Minute, engine.ApplyAtHead)

	ticket := c.Start("n1", "", "alice", "cat.png", 10)
	if ticket.ImageID == "" {
		t.Fatal("Expected a generated image id")
	}
}
