package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Recorder consumes a session's stream in the background and keeps every
// event in arrival order.
type Recorder struct {
	stream *Stream
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder(m *Multiplexer, sessionID string) (*Recorder, error) {
	stream, err := m.Attach(sessionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{stream: stream, cancel: cancel, done: make(chan struct{}), notify: make(chan struct{}, 1)}
	go r.run(ctx)
	return r, nil
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		ev, err := r.stream.Next(ctx)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// WaitTerminal blocks until n terminal events have been recorded.
func (r *Recorder) WaitTerminal(n int, timeout time.Duration) ([]Event, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		evs := r.Events()
		seen := 0
		for _, ev := range evs {
			if ev.Type.Terminal() {
				seen++
			}
		}
		if seen >= n {
			return evs, nil
		}
		select {
		case <-r.notify:
		case <-r.done:
			return evs, errors.New("recorder stopped")
		case <-deadline.C:
			return evs, fmt.Errorf("timed out waiting for %d terminal events, saw %d", n, seen)
		}
	}
}

func (r *Recorder) Close() {
	r.cancel()
	r.stream.Close()
	<-r.done
}
