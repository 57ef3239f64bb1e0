package pipeline

import (
	"sync"
	"time"
)

// RequestEvent summarizes one completed pipeline request
type RequestEvent struct {
	RequestID string        `json:"request_id"`
	Operation string        `json:"operation"` // "detect_and_segment" or "segment_all"
	Timestamp time.Time     `json:"timestamp"`
	Items     int           `json:"items"`
	Labels    []string      `json:"labels,omitempty"`
	Degraded  int           `json:"degraded"`
	Duration  time.Duration `json:"duration_ns"`
	Failure   *Failure      `json:"failure,omitempty"`
}

// RequestEventHandler receives request events
type RequestEventHandler interface {
	OnRequestEvent(evt *RequestEvent)
}

// RequestEventHandlerFunc adapts a function to RequestEventHandler
type RequestEventHandlerFunc func(evt *RequestEvent)

// OnRequestEvent calls f(evt)
func (f RequestEventHandlerFunc) OnRequestEvent(evt *RequestEvent) { f(evt) }

// EventBus provides pub/sub for request events
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	operation string // Empty string means receive all operations
	channel   chan *RequestEvent
	handler   RequestEventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for all events.
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler RequestEventHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeOperation registers a handler for events of one operation
func (b *EventBus) SubscribeOperation(operation string, handler RequestEventHandler) func() {
	return b.add(&eventSubscription{operation: operation, handler: handler})
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives events.
// The channel has the specified buffer size
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *RequestEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *RequestEvent, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers. Handlers run synchronously;
// full channels drop the event.
func (b *EventBus) Publish(evt *RequestEvent) {
	if b == nil || evt == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.operation != "" && sub.operation != evt.Operation {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnRequestEvent(evt)
		} else if sub.channel != nil {
			select {
			case sub.channel <- evt:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
