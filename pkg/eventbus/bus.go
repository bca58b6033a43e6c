// Package eventbus is a small in-process publish/subscribe bus.
//
// Delivery is non-blocking: a subscriber whose buffer is full misses the
// event, so subscribers that need the latest state must re-read it from its
// source of truth when they wake up.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one published message
type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Subscription is a receive channel plus its topic filter
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	topics map[string]bool
}

func (s *Subscription) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	last   map[string]Event
	logger *zap.Logger
	closed bool
}

// New creates a bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		last:   make(map[string]Event),
		logger: logger,
	}
}

// Publish delivers payload to every subscriber of topic
func (b *Bus) Publish(topic string, payload any) {
	e := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.last[topic] = e
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.wants(topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *Subscription, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	select {
	case s.ch <- e:
	default:
		b.logger.Debug("subscriber channel full, dropping event", zap.String("topic", e.Topic))
	}
}

// Subscribe returns a subscription for topics. No topics means all topics.
func (b *Bus) Subscribe(bufferSize int, topics ...string) *Subscription {
	if bufferSize < 1 {
		bufferSize = 1
	}
	ch := make(chan Event, bufferSize)
	s := &Subscription{C: ch, ch: ch, topics: make(map[string]bool, len(topics))}
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Last returns the most recent event published on topic
func (b *Bus) Last(topic string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.last[topic]
	return e, ok
}

// Unsubscribe removes s and closes its channel
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Close shuts down the bus and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
