// internal/bus/bus.go
package bus

import (
	"log/slog"
	"sync"

	"github.com/user/agentlens/internal/types"
)

// Handler receives events delivered to a subscriber.
type Handler func(types.Event)

// laneSize is the per-subscriber buffer. A subscriber that falls this far
// behind starts losing events rather than blocking the publisher.
const laneSize = 64

// subscriber owns a buffered lane drained by its own pump goroutine, so a
// slow handler never blocks Publish.
type subscriber struct {
	sessionID types.SessionID // empty = all sessions
	lane      chan types.Event
	once      sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.lane) })
}

// Bus is an in-process publish/subscribe fan-out over session events.
// There is no replay buffer: subscribers only see events published after
// they join.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// SubscribeAll delivers every published event to handler. The returned
// function unsubscribes; it is idempotent.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.subscribe("", handler)
}

// SubscribeSession delivers only events for the given session.
func (b *Bus) SubscribeSession(id types.SessionID, handler Handler) func() {
	return b.subscribe(id, handler)
}

func (b *Bus) subscribe(id types.SessionID, handler Handler) func() {
	sub := &subscriber{
		sessionID: id,
		lane:      make(chan types.Event, laneSize),
	}

	b.mu.Lock()
	key := b.nextID
	b.nextID++
	b.subs[key] = sub
	b.mu.Unlock()

	go func() {
		for ev := range sub.lane {
			handler(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, key)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Publish delivers the event to every matching subscriber, best effort.
// A subscriber with a full lane drops the event.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.lane <- ev:
		default:
			slog.Warn("event bus subscriber lagging, event dropped",
				"session_id", ev.SessionID, "type", ev.Type)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
