package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/shared"
)

// ErrShuttingDown is returned by Submit after Shutdown started.
var ErrShuttingDown = errors.New("engine is shutting down")

// Engine serializes turns per session and tracks them for cancellation.
// Turns of different sessions run concurrently.
type Engine struct {
	orch      *Orchestrator
	store     *persistence.Store
	compactor *Compactor
	logger    *slog.Logger

	wg      sync.WaitGroup
	closing atomic.Bool

	mu      sync.Mutex
	slots   map[string]chan struct{}
	cancels map[string]context.CancelFunc

	activeTurns atomic.Int32
	lastError   atomic.Pointer[string]
}

type Status struct {
	ActiveTurns int32  `json:"active_turns"`
	LastError   string `json:"last_error,omitempty"`
}

// New creates an Engine. compactor may be nil.
func New(orch *Orchestrator, compactor *Compactor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		orch:      orch,
		store:     orch.store,
		compactor: compactor,
		logger:    logger,
		slots:     make(map[string]chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Recover fails turns a previous process left running.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.store.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info("engine: recovered interrupted turns", "count", n)
	}
	return nil
}

func (e *Engine) slot(sessionID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[sessionID]
	if !ok {
		s = make(chan struct{}, 1)
		e.slots[sessionID] = s
	}
	return s
}

// Submit runs one turn for the session, waiting while another turn of the
// same session is in flight. The session is compacted after the turn opens
// when its history approaches the context limit.
func (e *Engine) Submit(ctx context.Context, sessionID, message string) (TurnOutcome, error) {
	if e.closing.Load() {
		return TurnOutcome{}, ErrShuttingDown
	}
	e.wg.Add(1)
	defer e.wg.Done()

	slot := e.slot(sessionID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return TurnOutcome{}, shared.Wrap(shared.KindCancelled, ctx.Err(), "the request was cancelled")
	}
	defer func() { <-slot }()

	turnCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[sessionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, sessionID)
		e.mu.Unlock()
		cancel()
	}()

	e.activeTurns.Add(1)
	defer e.activeTurns.Add(-1)

	out, err := e.orch.advance(turnCtx, sessionID, message, e.compact(sessionID))
	if err != nil {
		e.setLastError(err)
	}
	return out, err
}

// compact returns the pre-run hook that compacts the session when its
// history approaches the context limit. The hook runs inside the turn.
func (e *Engine) compact(sessionID string) func(context.Context) {
	if e.compactor == nil {
		return nil
	}
	return func(ctx context.Context) {
		if _, err := e.compactor.CompactIfNeeded(ctx, sessionID); err != nil {
			e.logger.Warn("engine: compaction failed", "session_id", sessionID, "error", err)
		}
	}
}

// Cancel aborts the session's in-flight turn. It reports whether a turn
// was running.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[sessionID]
	e.mu.Unlock()
	if ok {
		e.logger.Info("engine: turn cancel requested", "session_id", sessionID)
		cancel()
	}
	return ok
}

// Busy reports whether the session has a turn in flight.
func (e *Engine) Busy(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancels[sessionID]
	return ok
}

func (e *Engine) Status() Status {
	st := Status{ActiveTurns: e.activeTurns.Load()}
	if p := e.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

// Shutdown stops accepting turns and waits for running ones. When ctx
// expires first, the remaining turns are cancelled and awaited briefly.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closing.Store(true)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	e.mu.Lock()
	for id, cancel := range e.cancels {
		e.logger.Warn("engine: cancelling turn at shutdown", "session_id", id)
		cancel()
	}
	e.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-time.After(defaultFinalizeTimeout):
		return errors.New("engine: turns still running after shutdown")
	}
}

func (e *Engine) setLastError(err error) {
	msg := shared.Redact(err.Error())
	e.lastError.Store(&msg)
}
