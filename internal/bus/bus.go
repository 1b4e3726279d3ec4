// Package bus is the in-process event fan-out between the orchestration
// services and the push transports (SSE, WebSocket). Both the pull (snapshot
// GET) and push (subscribe) surfaces are layered over the same state store;
// the bus carries only change notifications, never authoritative state.
package bus

import (
	"sync"
	"time"
)

// Topics published by the orchestration core.
const (
	TopicDeployments = "deployments"
	TopicRemediation = "remediation"
	TopicNodes       = "nodes"
	TopicSessions    = "sessions"
)

// Event is one state-change notification.
type Event struct {
	Topic   string    `json:"-"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Subscriber receives events on a bounded queue. A slow subscriber loses its
// oldest queued events; it never blocks the publisher or other subscribers.
type Subscriber struct {
	ch     chan Event
	topics map[string]struct{}
}

// C returns the subscriber's event channel.
func (s *Subscriber) C() <-chan Event { return s.ch }

func (s *Subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscriber]struct{}
	queueSize int
	onDrop    func(topic string)
}

func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
	}
}

// OnDrop registers a callback invoked whenever an event is dropped for a slow
// subscriber. Used for metrics; must not block.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe registers a subscriber for the given topics. No topics means all.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		ch:     make(chan Event, b.queueSize),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the event to every subscriber of its topic. Delivery is
// non-blocking: a full subscriber queue drops its oldest event to make room.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(evt.Topic) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow consumer: shed the oldest queued event for this
			// subscriber only, then retry once.
			select {
			case <-sub.ch:
				if b.onDrop != nil {
					b.onDrop(evt.Topic)
				}
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}
