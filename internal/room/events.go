package room

import (
	"sync"
	"time"
)

// EventType classifies coordinator events.
type EventType string

const (
	EventPeerSeen         EventType = "peer_seen"
	EventMemoryReplicated EventType = "memory_replicated"
	EventSkillReplicated  EventType = "skill_replicated"
	EventVoteReplicated   EventType = "vote_replicated"
	EventTaskEnqueued     EventType = "task_enqueued"
	EventTaskCompleted    EventType = "task_completed"
	EventPolicyUpdated    EventType = "policy_updated"
	EventFrameDropped     EventType = "frame_dropped"
)

// Event is one observable coordinator occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Room      string
	Data      map[string]interface{}
}

// EventHandler receives emitted events.
type EventHandler func(Event)

// EventBus fans coordinator events out to registered watchers. A
// watcher names the event types it cares about (none means all) and
// can cancel itself at any time. Handlers run on the emitting
// goroutine, outside the bus lock, and must not block.
type EventBus struct {
	mu       sync.Mutex
	nextID   int
	watchers map[int]*watcher
}

type watcher struct {
	fn    EventHandler
	types map[EventType]struct{} // nil: every type
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{watchers: make(map[int]*watcher)}
}

// Watch registers fn for the given event types (all types when none
// are named) and returns a cancel function that detaches it.
func (eb *EventBus) Watch(fn EventHandler, types ...EventType) (cancel func()) {
	w := &watcher{fn: fn}
	if len(types) > 0 {
		w.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			w.types[t] = struct{}{}
		}
	}

	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.watchers[id] = w
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		delete(eb.watchers, id)
		eb.mu.Unlock()
	}
}

// Emit stamps and delivers an event to every interested watcher.
func (eb *EventBus) Emit(t EventType, roomName string, data map[string]interface{}) {
	event := Event{
		Type:      t,
		Timestamp: time.Now(),
		Room:      roomName,
		Data:      data,
	}

	eb.mu.Lock()
	interested := make([]EventHandler, 0, len(eb.watchers))
	for _, w := range eb.watchers {
		if w.types == nil {
			interested = append(interested, w.fn)
			continue
		}
		if _, ok := w.types[t]; ok {
			interested = append(interested, w.fn)
		}
	}
	eb.mu.Unlock()

	for _, fn := range interested {
		fn(event)
	}
}
