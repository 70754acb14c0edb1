package session

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/DustinHannon/CheatBook/internal/models"
	"github.com/DustinHannon/CheatBook/pkg/clock"
)

// Engine validates and applies edit operations. It is the only writer of
// canonical content; persistence is decoupled and happens on explicit save,
// session teardown, or the periodic flusher, never per operation.
type Engine struct {
	reg      *Registry
	clk      clock.Clock
	interval time.Duration

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

func NewEngine(reg *Registry, clk clock.Clock, flushInterval time.Duration) *Engine {
	return &Engine{
		reg:      reg,
		clk:      clk,
		interval: flushInterval,
	}
}

// Apply runs op through the compare-and-swap check for noteID. The session
// must be resident; a destroyed session means the client has to rejoin.
func (e *Engine) Apply(noteID string, op models.Operation) (Result, error) {
	s, ok := e.reg.Get(noteID)
	if !ok {
		return Result{}, ErrNoSession
	}
	return s.Apply(op), nil
}

// ApplyAtHead applies a server-synthesized operation at the current version,
// so it occupies the same version sequence as manual edits.
func (e *Engine) ApplyAtHead(noteID string, op models.Operation) (Result, error) {
	s, ok := e.reg.Get(noteID)
	if !ok {
		return Result{}, ErrNoSession
	}
	return s.ApplyAtHead(op), nil
}

// Save flushes noteID's content to the document store now. Invoked for
// edits carrying the client's save flag.
func (e *Engine) Save(ctx context.Context, noteID string) error {
	s, ok := e.reg.Get(noteID)
	if !ok {
		return ErrNoSession
	}
	return e.reg.Flush(ctx, s)
}

// Start arms the periodic flusher, bounding how far the store can trail
// memory. Each pass re-arms itself until Stop.
func (e *Engine) Start() {
	e.schedule()
}

func (e *Engine) schedule() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.timer = e.clk.AfterFunc(e.interval, func() {
		e.reg.FlushAll(context.Background())
		e.schedule()
	})
}

// Stop halts the flusher and performs a final flush of all sessions.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	e.reg.FlushAll(ctx)
	log.Info("sync engine stopped")
}
