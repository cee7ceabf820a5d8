// Package events provides an in-memory pub/sub bus for routing and health
// events, consumed by the admin SSE feed.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRouteSuccess EventType = "route_success"
	EventRouteError   EventType = "route_error"
	EventRateLimited  EventType = "rate_limited"
	EventHealthChange EventType = "health_change"
	EventBudgetGate   EventType = "budget_gate"
)

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Routing fields (populated for route events).
	ModelID   string  `json:"model_id,omitempty"`
	Provider  string  `json:"provider,omitempty"`
	Tier      int     `json:"tier,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	ErrorMsg  string  `json:"error_msg,omitempty"`
	Reason    string  `json:"reason,omitempty"`

	// Health fields (populated for health_change events).
	Healthy             bool `json:"healthy,omitempty"`
	ConsecutiveFailures int  `json:"consecutive_failures,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Done returns a channel closed when the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop events for slow subscribers rather than block routing.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
