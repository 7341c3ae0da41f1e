// Package events fans dispatcher activity out to API subscribers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher.
const (
	CommandSubmitted  = "command.submitted"
	CommandPreempted  = "command.preempted"
	CommandSent       = "command.sent"
	CommandFailed     = "command.failed"
	CommandDiscarded  = "command.discarded"
	DispatcherStarted = "dispatcher.started"
	DispatcherStopped = "dispatcher.stopped"
	DispatcherDead    = "dispatcher.dead"
)

// DefaultBacklog is used when NewHub is given a non-positive size.
const DefaultBacklog = 100

// subscriberBuffer is how far a subscriber may fall behind before events
// are dropped for it.
const subscriberBuffer = 128

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub numbers events, keeps the newest few for late subscribers and
// delivers each one to every live subscriber without ever blocking the
// publisher.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	limit   int
	subs    map[chan Event]struct{}

	dropped atomic.Uint64
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[chan Event]struct{}),
	}
}

// Publish records an event. A payload that fails to marshal is published
// as an empty object.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events published from now on and a cancel
// func that closes it. Cancel may be called more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns the retained events newer than id, oldest first.
func (h *Hub) Since(id int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, ev := range h.backlog {
		if ev.ID > id {
			return append([]Event(nil), h.backlog[i:]...)
		}
	}
	return nil
}

// LastID returns the ID of the most recently published event.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
