package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of gateway event being published.
type EventType string

const (
	// EventToolInvoked is published after every invoke attempt, allowed or not.
	EventToolInvoked EventType = "tool_invoked"
	// EventAccessDenied is published when policy blocks an invocation.
	EventAccessDenied EventType = "access_denied"
	// EventConfirmIssued is published when a confirmation token is issued.
	EventConfirmIssued EventType = "confirm_issued"
	// EventConfirmRedeemed is published on every redemption attempt.
	EventConfirmRedeemed EventType = "confirm_redeemed"
	// EventTaskEnqueued is published when a task enters the queue.
	EventTaskEnqueued EventType = "task_enqueued"
	// EventTaskLeased is published when a client reserves a task.
	EventTaskLeased EventType = "task_leased"
	// EventTaskCompleted is published when a task reaches a terminal status.
	EventTaskCompleted EventType = "task_completed"
)

// Event is one published gateway event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events for one event type.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fanout. Delivery is asynchronous
// through per-subscriber buffered channels; a full channel drops the event
// rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

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
// function. fn runs on its own goroutine; panics inside it are swallowed so
// one bad subscriber cannot take down the bus.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
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

// Publish fans an event out to all subscribers of its type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// full subscriber, drop
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
