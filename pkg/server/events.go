package server

import (
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/pkg/workflow"
)

// DefaultEventRetention is how long a completed phase transition stays
// available for a reconnecting listener to replay (§6 "Outbound
// completion events", default 1h).
const DefaultEventRetention = time.Hour

// StoredEvent pairs a workflow.Event with the monotonic cursor a
// listener presents on reconnect to resume from.
type StoredEvent struct {
	Cursor uint64
	Event  workflow.Event
	At     time.Time
}

// EventStore is the engine's EventSink: it retains every task's recent
// phase transitions for a bounded window and fans live ones out to
// subscribed SSE listeners, keyed by task ID the way the bus keys
// inboxes by recipient ID.
type EventStore struct {
	mu          sync.Mutex
	retention   time.Duration
	nextCursor  uint64
	nextSubID   uint64
	byTask      map[string][]StoredEvent
	subscribers map[string]map[uint64]chan StoredEvent
}

// NewEventStore constructs an EventStore with the given retention window
// (DefaultEventRetention if zero).
func NewEventStore(retention time.Duration) *EventStore {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &EventStore{
		retention:   retention,
		byTask:      make(map[string][]StoredEvent),
		subscribers: make(map[string]map[uint64]chan StoredEvent),
	}
}

// Publish implements workflow.EventSink: it retains ev and hands a copy
// to every listener currently subscribed to ev.TaskID.
func (s *EventStore) Publish(ev workflow.Event) {
	s.mu.Lock()
	s.nextCursor++
	stored := StoredEvent{Cursor: s.nextCursor, Event: ev, At: time.Now()}
	s.byTask[ev.TaskID] = append(s.byTask[ev.TaskID], stored)
	s.pruneLocked(ev.TaskID)
	subs := s.subscribers[ev.TaskID]
	chans := make([]chan StoredEvent, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- stored:
		default:
		}
	}
}

// pruneLocked drops retained events for taskID older than the retention
// window. Callers must hold s.mu.
func (s *EventStore) pruneLocked(taskID string) {
	events := s.byTask[taskID]
	cutoff := time.Now().Add(-s.retention)
	i := 0
	for i < len(events) && events[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.byTask[taskID] = events[i:]
	}
}

// Since returns taskID's retained events with a cursor greater than
// afterCursor, for a reconnecting listener's resend (§6). An afterCursor
// of 0 replays everything still within the retention window.
func (s *EventStore) Since(taskID string, afterCursor uint64) []StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(taskID)
	var out []StoredEvent
	for _, ev := range s.byTask[taskID] {
		if ev.Cursor > afterCursor {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers a live listener for taskID's future events. The
// returned unsubscribe func must be called when the listener disconnects.
func (s *EventStore) Subscribe(taskID string) (<-chan StoredEvent, func()) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	ch := make(chan StoredEvent, 16)
	if s.subscribers[taskID] == nil {
		s.subscribers[taskID] = make(map[uint64]chan StoredEvent)
	}
	s.subscribers[taskID][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers[taskID], id)
		if len(s.subscribers[taskID]) == 0 {
			delete(s.subscribers, taskID)
		}
		s.mu.Unlock()
	}
}
