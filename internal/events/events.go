package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventSyncStatus          = "sync_status"
	EventOperationEnqueued   = "operation_enqueued"
	EventOperationSynced     = "operation_synced"
	EventOperationRetry      = "operation_retry"
	EventOperationDiscarded  = "operation_discarded"
	EventSyncAborted         = "sync_aborted"
	EventConnectivityChanged = "connectivity_changed"
)

// Types lists every event type the agent publishes.
var Types = []string{
	EventSyncStatus,
	EventOperationEnqueued,
	EventOperationSynced,
	EventOperationRetry,
	EventOperationDiscarded,
	EventSyncAborted,
	EventConnectivityChanged,
}

// Event is a published notification with a JSON payload.
type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      int
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	wildcard    []subscription
	nextSub     int
	seq         atomic.Int64
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	return func() { b.remove(eventType, id) }
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})

	return func() { b.remove("", id) }
}

func (b *EventBus) remove(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.wildcard
	if eventType != "" {
		list = b.subscribers[eventType]
	}
	out := list[:0]
	for _, s := range list {
		if s.id != id {
			out = append(out, s)
		}
	}
	if eventType == "" {
		b.wildcard = out
		return
	}
	b.subscribers[eventType] = out
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.wildcard))
	for _, s := range b.subscribers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.wildcard {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	if event.ID == 0 {
		event.ID = b.seq.Add(1)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
