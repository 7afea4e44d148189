// Package events turns orchestrator state transitions into one ordered
// event stream per session. Producers block on a full queue; events are
// never dropped.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	otelpkg "github.com/basket/labclaw/internal/otel"
)

type Type string

const (
	TypeIterationStart Type = "iteration_start"
	TypeText           Type = "text"
	TypeToolCall       Type = "tool_call"
	TypeToolResult     Type = "tool_result"
	TypeRetrieval      Type = "retrieval"
	TypePlanProgress   Type = "plan_progress"
	TypeDone           Type = "done"
	TypeError          Type = "error"
)

// Terminal reports whether t ends a turn.
func (t Type) Terminal() bool { return t == TypeDone || t == TypeError }

type Event struct {
	Seq        uint64    `json:"seq"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Type       Type      `json:"type"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Time       time.Time `json:"time"`
	Data       any       `json:"data,omitempty"`
}

var (
	ErrAlreadyAttached = errors.New("session already has a consumer")
	ErrEmitTimeout     = errors.New("event queue full: consumer did not keep up")
	ErrStreamClosed    = errors.New("stream closed")
)

const (
	defaultQueueSize   = 256
	defaultEmitTimeout = 30 * time.Second
)

type Config struct {
	// QueueSize bounds the buffered events per session.
	QueueSize int
	// EmitTimeout bounds how long a producer waits on a full queue.
	EmitTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *otelpkg.Metrics
}

// Emitter is the producer side used by the orchestrator.
type Emitter interface {
	Emit(ctx context.Context, ev Event) (Event, error)
}

type Multiplexer struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*channel
}

type channel struct {
	queue chan Event

	// emitMu keeps sequence assignment and enqueue atomic so queue order
	// equals Seq order.
	emitMu sync.Mutex
	seq    uint64

	attachMu sync.Mutex
	attached *Stream
}

func New(cfg Config) *Multiplexer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = defaultEmitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Multiplexer{cfg: cfg, sessions: make(map[string]*channel)}
}

func (m *Multiplexer) channel(sessionID string) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.sessions[sessionID]
	if !ok {
		ch = &channel{queue: make(chan Event, m.cfg.QueueSize)}
		m.sessions[sessionID] = ch
	}
	return ch
}

// Emit stamps ev with the next session sequence number and enqueues it.
// When the queue is full Emit waits for the consumer, for ctx, or for
// EmitTimeout, whichever comes first.
func (m *Multiplexer) Emit(ctx context.Context, ev Event) (Event, error) {
	if ev.SessionID == "" {
		return ev, errors.New("emit: session id is required")
	}
	ch := m.channel(ev.SessionID)
	ch.emitMu.Lock()
	defer ch.emitMu.Unlock()

	ev.Seq = ch.seq + 1
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case ch.queue <- ev:
		ch.seq++
		return ev, nil
	default:
	}

	m.cfg.Metrics.RecordQueueBlocked(ctx)
	m.cfg.Logger.Warn("events: queue full, producer blocked", "session_id", ev.SessionID, "turn_id", ev.TurnID, "type", ev.Type)
	timer := time.NewTimer(m.cfg.EmitTimeout)
	defer timer.Stop()
	select {
	case ch.queue <- ev:
		ch.seq++
		return ev, nil
	case <-ctx.Done():
		return ev, ctx.Err()
	case <-timer.C:
		return ev, ErrEmitTimeout
	}
}

// Attach makes the caller the single consumer of a session's events.
// Events emitted while nobody was attached are delivered first.
func (m *Multiplexer) Attach(sessionID string) (*Stream, error) {
	ch := m.channel(sessionID)
	ch.attachMu.Lock()
	defer ch.attachMu.Unlock()
	if ch.attached != nil {
		return nil, ErrAlreadyAttached
	}
	s := &Stream{ch: ch, done: make(chan struct{})}
	ch.attached = s
	return s, nil
}

// Pending reports how many events are queued for a session.
func (m *Multiplexer) Pending(sessionID string) int {
	return len(m.channel(sessionID).queue)
}

// Forget drops the per-session state. Callers must ensure no producer or
// consumer is active.
func (m *Multiplexer) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Stream is the consumer side of one session.
type Stream struct {
	ch        *channel
	done      chan struct{}
	closeOnce sync.Once
}

// Next returns the next event in Seq order.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	select {
	case <-s.done:
		return Event{}, ErrStreamClosed
	default:
	}
	select {
	case ev := <-s.ch.queue:
		return ev, nil
	case <-s.done:
		return Event{}, ErrStreamClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close detaches the consumer. Undelivered events stay queued for the
// next Attach.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ch.attachMu.Lock()
		if s.ch.attached == s {
			s.ch.attached = nil
		}
		s.ch.attachMu.Unlock()
	})
}
