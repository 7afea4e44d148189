// Package bus carries advisory process-wide notices (skill rebuilds,
// policy reloads, sweeps) to interested listeners such as connected
// clients. Delivery is best effort; turn events use package events.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 64

// Notice is a message published on the bus.
type Notice struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Notice
	dropped int
}

// Ch returns the channel to receive notices on.
func (s *Subscription) Ch() <-chan Notice {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for notices matching the topic prefix.
// An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Notice, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends a notice to all matching subscribers. A subscriber whose
// buffer is full misses the notice. A nil Bus discards everything.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	n := Notice{Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- n:
			default:
				sub.dropped++
			}
		}
	}
}

// Dropped returns how many notices sub missed because its buffer was full.
func (b *Bus) Dropped(sub *Subscription) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sub.dropped
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
