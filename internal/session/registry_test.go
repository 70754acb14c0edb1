package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/internal/store"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

// memStore is an in-memory DocumentStore that counts loads and saves.
type memStore struct {
	mu      sync.Mutex
	docs    map[string]string
	loads   int32
	saves   int32
	failAll bool
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]string)}
}

func (m *memStore) Load(_ context.Context, noteID string) (string, error) {
	atomic.AddInt32(&m.loads, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return "", errors.New("store down")
	}
	content, ok := m.docs[noteID]
	if !ok {
		return "", store.ErrNotFound
	}
	return content, nil
}

func (m *memStore) Save(_ context.Context, noteID, content string) error {
	atomic.AddInt32(&m.saves, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("store down")
	}
	m.docs[noteID] = content
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) saveCount() int32 { return atomic.LoadInt32(&m.saves) }

func TestGetOrCreateLoadsLazily(t *testing.T) {
	ms := newMemStore()
	ms.docs["n1"] = "stored text"
	reg := NewRegistry(ms, clock.NewFake(), time.Minute)

	s, err := reg.GetOrCreate(context.Background(), "n1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	content, version := s.Snapshot()
	if content != "stored text" {
		t.Errorf("Expected stored content, got '%s'", content)
	}
	if version != 1 {
		t.Errorf("Expected initial version 1, got %d", version)
	}

	// Unknown notes start empty instead of failing the join.
	s2, err := reg.GetOrCreate(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("GetOrCreate for fresh note failed: %v", err)
	}
	if content, _ := s2.Snapshot(); content != "" {
		t.Errorf("Expected empty fresh note, got '%s'", content)
	}
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	ms := newMemStore()
	ms.docs["n1"] = "x"
	reg := NewRegistry(ms, clock.NewFake(), time.Minute)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Session, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.GetOrCreate(context.Background(), "n1")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent callers observed different sessions")
		}
	}
	if n := atomic.LoadInt32(&ms.loads); n != 1 {
		t.Errorf("Expected a single load, got %d", n)
	}
}

func TestGetOrCreateLoadFailureBlocksJoin(t *testing.T) {
	ms := newMemStore()
	ms.failAll = true
	reg := NewRegistry(ms, clock.NewFake(), time.Minute)

	if _, err := reg.GetOrCreate(context.Background(), "n1"); err == nil {
		t.Fatal("expected load failure to surface")
	}
	if _, ok := reg.Get("n1"); ok {
		t.Error("failed load must not leave a resident session")
	}
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	ms := newMemStore()
	reg := NewRegistry(ms, clock.NewFake(), time.Minute)
	s, _ := reg.GetOrCreate(context.Background(), "n1")

	if err := reg.Flush(context.Background(), s); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if ms.saveCount() != 0 {
		t.Errorf("clean session must not be saved, got %d saves", ms.saveCount())
	}

	s.Apply(models.Operation{Kind: models.OpInsert, Index: 0, Text: "hi", BaseVersion: 1})
	if err := reg.Flush(context.Background(), s); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if ms.saveCount() != 1 {
		t.Errorf("Expected 1 save, got %d", ms.saveCount())
	}

	// Unchanged since the save: flushing again is a no-op.
	reg.Flush(context.Background(), s)
	if ms.saveCount() != 1 {
		t.Errorf("Expected no further saves, got %d", ms.saveCount())
	}
}

func TestSaveFailureKeepsMemoryAuthoritative(t *testing.T) {
	ms := newMemStore()
	reg := NewRegistry(ms, clock.NewFake(), time.Minute)
	s, _ := reg.GetOrCreate(context.Background(), "n1")
	s.Apply(models.Operation{Kind: models.OpInsert, Index: 0, Text: "hi", BaseVersion: 1})

	ms.mu.Lock()
	ms.failAll = true
	ms.mu.Unlock()
	if err := reg.Flush(context.Background(), s); err == nil {
		t.Fatal("expected save failure")
	}
	if content, _ := s.Snapshot(); content != "hi" {
		t.Errorf("in-memory state must not roll back, got '%s'", content)
	}

	// The session stays dirty, so a later flush retries.
	ms.mu.Lock()
	ms.failAll = false
	ms.mu.Unlock()
	if err := reg.Flush(context.Background(), s); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if ms.docs["n1"] != "hi" {
		t.Errorf("Expected retried save to land, got '%s'", ms.docs["n1"])
	}
}

func TestDestroyFlushesExactlyOnce(t *testing.T) {
	ms := newMemStore()
	fake := clock.NewFake()
	reg := NewRegistry(ms, fake, 10*time.Second)

	s, _ := reg.GetOrCreate(context.Background(), "n1")
	s.AddConnection("c1", models.Participant{UserID: "alice"})
	s.Apply(models.Operation{Kind: models.OpInsert, Index: 0, Text: "final text", BaseVersion: 1})

	// Last participant leaves: flush, then linger before destruction.
	s.RemoveConnection("alice", "c1")
	reg.Flush(context.Background(), s)
	reg.ScheduleDestroy(s)

	if _, ok := reg.Get("n1"); !ok {
		t.Fatal("session should linger before the delay expires")
	}

	fake.Advance(11 * time.Second)

	if _, ok := reg.Get("n1"); ok {
		t.Fatal("session should be destroyed after the linger delay")
	}
	if ms.saveCount() != 1 {
		t.Errorf("Expected exactly one save, got %d", ms.saveCount())
	}
	if ms.docs["n1"] != "final text" {
		t.Errorf("Expected final content persisted, got '%s'", ms.docs["n1"])
	}
}

func TestDestroyCancelledByRejoin(t *testing.T) {
	ms := newMemStore()
	fake := clock.NewFake()
	reg := NewRegistry(ms, fake, 10*time.Second)

	s, _ := reg.GetOrCreate(context.Background(), "n1")
	reg.ScheduleDestroy(s)

	// A join before the timer fires keeps the session alive.
	s.AddConnection("c1", models.Participant{UserID: "bob"})
	fake.Advance(time.Minute)

	if _, ok := reg.Get("n1"); !ok {
		t.Fatal("session with a participant must survive the destroy timer")
	}
}

func TestEngineApplyRequiresResidentSession(t *testing.T) {
	reg := NewRegistry(newMemStore(), clock.NewFake(), time.Minute)
	engine := NewEngine(reg, clock.NewFake(), time.Minute)

	_, err := engine.Apply("ghost", models.Operation{Kind: models.OpInsert, BaseVersion: 1})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("Expected ErrNoSession, got %v", err)
	}
}

func TestEngineSave(t *testing.T) {
	ms := newMemStore()
	reg := NewRegistry(ms, clock.NewFake(), time.Minute)
	engine := NewEngine(reg, clock.NewFake(), time.Minute)

	reg.GetOrCreate(context.Background(), "n1")
	engine.Apply("n1", models.Operation{Kind: models.OpInsert, Index: 0, Text: "keep me", BaseVersion: 1})

	if err := engine.Save(context.Background(), "n1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ms.docs["n1"] != "keep me" {
		t.Errorf("Expected saved content, got '%s'", ms.docs["n1"])
	}
}

func TestEnginePeriodicFlushSavesDirtySessions(t *testing.T) {
	ms := newMemStore()
	fake := clock.NewFake()
	reg := NewRegistry(ms, fake, time.Minute)
	engine := NewEngine(reg, fake, 30*time.Second)
	engine.Start()

	reg.GetOrCreate(context.Background(), "n1")
	engine.Apply("n1", models.Operation{Kind: models.OpInsert, Index: 0, Text: "drafted", BaseVersion: 1})

	// No explicit save: the flusher alone must persist the edit.
	fake.Advance(31 * time.Second)
	if ms.saveCount() != 1 {
		t.Fatalf("Expected one save from the flusher, got %d", ms.saveCount())
	}
	ms.mu.Lock()
	content := ms.docs["n1"]
	ms.mu.Unlock()
	if content != "drafted" {
		t.Errorf("Expected flushed content, got '%s'", content)
	}

	// A clean session is skipped on the next pass.
	fake.Advance(30 * time.Second)
	if ms.saveCount() != 1 {
		t.Errorf("Expected no save for a clean session, got %d", ms.saveCount())
	}

	engine.Stop(context.Background())
	fake.Advance(time.Hour)
	if ms.saveCount() != 1 {
		t.Errorf("Expected no flush after Stop, got %d", ms.saveCount())
	}
}
