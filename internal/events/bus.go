// Package events carries lifecycle notifications between the queue, the
// dispatcher and the audit log. Delivery is best-effort: a slow subscriber
// drops events rather than stalling a state transition.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventJobPushed    EventType = "job_pushed"
	EventJobClaimed   EventType = "job_claimed"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobCancelled EventType = "job_cancelled"
	EventJobRetried   EventType = "job_retried"

	EventTaskCreated   EventType = "task_created"
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskRequeued  EventType = "task_requeued"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskReclaimed EventType = "task_reclaimed"

	EventScheduleFired EventType = "schedule_fired"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events for one type.
type Subscriber func(Event)

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks: when a subscriber's buffer is full the event is dropped for that
// subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on its own goroutine; a panic inside it is contained.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every listed event type and returns a single
// unsubscribe function covering all of them.
func (b *Bus) SubscribeAll(types []EventType, fn Subscriber) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers an event to every subscriber of its type, dropping it for
// subscribers whose buffer is full.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// buffer full, drop
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

// LifecycleEventTypes lists every event type the bus carries, in the order
// the audit log groups them.
func LifecycleEventTypes() []EventType {
	return []EventType{
		EventJobPushed, EventJobClaimed, EventJobCompleted, EventJobFailed,
		EventJobCancelled, EventJobRetried,
		EventTaskCreated, EventTaskAssigned, EventTaskStarted, EventTaskCompleted,
		EventTaskFailed, EventTaskRequeued, EventTaskCancelled, EventTaskReclaimed,
		EventScheduleFired,
	}
}
