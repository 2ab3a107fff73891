// Package feed fans out session change events to sync loops. The broker is
// in-process; an optional Redis notifier bridges events across processes.
package feed

import (
	"sync"
)

// EventKind classifies what changed in a session.
type EventKind string

const (
	// EventParticipantsChanged signals membership or session status change.
	EventParticipantsChanged EventKind = "participants_changed"
	// EventMessageAdded signals a newly appended message.
	EventMessageAdded EventKind = "message_added"
	// EventMessageStateChanged signals a message status transition.
	EventMessageStateChanged EventKind = "message_state_changed"
)

// Event is a change notification for one session. Events are wake-up hints
// only: subscribers re-fetch state from the store, so losing an event
// delays a sync cycle but never loses data.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	MessageID string    `json:"message_id,omitempty"`
}

// Publisher emits change events. Implementations must never block the
// caller.
type Publisher interface {
	Publish(event Event)
}

// subscriberBuffer bounds the per-subscriber queue. A full queue drops the
// event; the subscriber's next tick catches up.
const subscriberBuffer = 16

type subscriber struct {
	sessionID string
	ch        chan Event
}

// Broker is an in-process event fan-out. Zero value is not usable; call
// NewBroker.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in one session's events. The returned cancel
// func must be called to release the subscription; after cancel the channel
// is closed.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its session without
// blocking. Slow subscribers miss events instead of stalling publishers.
func (b *Broker) Publish(event Event) {
	if b == nil || event.SessionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// NopPublisher discards every event. Useful where a component requires a
// publisher but the caller has no feed wired.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(Event) {}
