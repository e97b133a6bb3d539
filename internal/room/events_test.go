package room

import "testing"

func TestEventBus_WatchAll(t *testing.T) {
	eb := NewEventBus()
	var seen []EventType

	eb.Watch(func(e Event) { seen = append(seen, e.Type) })

	eb.Emit(EventPeerSeen, "r", nil)
	eb.Emit(EventTaskEnqueued, "r", nil)

	if len(seen) != 2 || seen[0] != EventPeerSeen || seen[1] != EventTaskEnqueued {
		t.Errorf("watcher without a filter must see every event: %v", seen)
	}
}

func TestEventBus_TypeFilter(t *testing.T) {
	eb := NewEventBus()
	count := 0

	eb.Watch(func(e Event) { count++ }, EventMemoryReplicated, EventSkillReplicated)

	eb.Emit(EventMemoryReplicated, "r", nil)
	eb.Emit(EventPeerSeen, "r", nil)
	eb.Emit(EventSkillReplicated, "r", nil)

	if count != 2 {
		t.Errorf("filtered watcher fired %d times, want 2", count)
	}
}

func TestEventBus_Cancel(t *testing.T) {
	eb := NewEventBus()
	count := 0

	cancel := eb.Watch(func(e Event) { count++ })
	eb.Emit(EventPeerSeen, "r", nil)
	cancel()
	eb.Emit(EventPeerSeen, "r", nil)

	if count != 1 {
		t.Errorf("cancelled watcher still firing: %d", count)
	}
}

func TestEventBus_EventFields(t *testing.T) {
	eb := NewEventBus()
	var got Event

	eb.Watch(func(e Event) { got = e }, EventTaskCompleted)
	eb.Emit(EventTaskCompleted, "team", map[string]interface{}{"task_id": "t1"})

	if got.Room != "team" || got.Data["task_id"] != "t1" {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("Emit must stamp the event")
	}
}
