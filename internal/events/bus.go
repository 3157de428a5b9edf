// Package events implements the in-process pub/sub bus tying the hub's
// engines together: handler fanout with panic isolation and a bounded
// ring of recent events for replay-style queries.
package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delegation lifecycle event types.
const (
	TaskCreated       = "TASK_CREATED"
	TaskAssigned      = "TASK_ASSIGNED"
	TaskStarted       = "TASK_STARTED"
	ProgressUpdate    = "PROGRESS_UPDATE"
	CheckpointReached = "CHECKPOINT_REACHED"
	TaskCompleted     = "TASK_COMPLETED"
	TaskVerified      = "TASK_VERIFIED"

	// Daemon housekeeping events.
	AccountSuperseded = "account_superseded"
	ConnectionClosed  = "connection_closed"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// RingCapacity bounds the recent-event ring.
const RingCapacity = 16384

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   string         `json:"subject,omitempty"` // usually a task or account id
	Data      map[string]any `json:"data,omitempty"`
}

// Handler is a synchronous subscriber callback. A panicking handler is
// logged and isolated; it never aborts other subscribers or the
// emitter.
type Handler func(ev Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is the in-memory typed event bus. Emit never blocks the caller
// beyond the synchronous handler invocations; the ring drops its
// oldest entry when full.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription // event type (or "*") -> handlers

	ring  []Event
	start int // index of oldest
	count int

	logger *log.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		ring:   make([]Event, RingCapacity),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers a handler for an exact event type, or every
// event when eventType is Wildcard. The returned function
// unsubscribes.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes an event. Handlers registered for the exact type run
// first, then wildcard handlers, in registration order. Events emitted
// during one handler execution are observed in emission order because
// delivery is synchronous.
func (b *Bus) Emit(eventType, subject string, data map[string]any) Event {
	ev := Event{
		Type:      eventType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Data:      data,
	}

	b.mu.Lock()
	b.pushLocked(ev)
	handlers := make([]subscription, 0, len(b.subs[eventType])+len(b.subs[Wildcard]))
	handlers = append(handlers, b.subs[eventType]...)
	handlers = append(handlers, b.subs[Wildcard]...)
	b.mu.Unlock()

	for _, s := range handlers {
		b.invoke(s, ev)
	}
	return ev
}

func (b *Bus) invoke(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("subscriber panic on %s: %v", ev.Type, r)
		}
	}()
	s.handler(ev)
}

func (b *Bus) pushLocked(ev Event) {
	if b.count < len(b.ring) {
		b.ring[(b.start+b.count)%len(b.ring)] = ev
		b.count++
		return
	}
	// Full: overwrite oldest.
	b.ring[b.start] = ev
	b.start = (b.start + 1) % len(b.ring)
}

// RecentFilter narrows GetRecent results.
type RecentFilter struct {
	Type  string
	Since time.Time
}

// GetRecent returns a snapshot of the ring, oldest first, honoring the
// optional filter.
func (b *Bus) GetRecent(f RecentFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		ev := b.ring[(b.start+i)%len(b.ring)]
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// RingSize reports how many events the ring currently holds.
func (b *Bus) RingSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// String renders an event for logs.
func (ev Event) String() string {
	return fmt.Sprintf("%s subject=%s id=%s", ev.Type, ev.Subject, ev.ID)
}
