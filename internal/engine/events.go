package engine

// events.go implements the typed publish/subscribe fan-out for engine
// events. Delivery is at-least-once and synchronous; a failing subscriber
// is isolated (caught and logged) so it can never break delivery to the
// others or crash the executor.

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is one entry of the engine's event vocabulary.
type EventType string

const (
	EventOperationCreated   EventType = "operation_created"
	EventOperationQueued    EventType = "operation_queued"
	EventOperationStarted   EventType = "operation_started"
	EventOperationProgress  EventType = "operation_progress"
	EventOperationCompleted EventType = "operation_completed"
	EventOperationFailed    EventType = "operation_failed"
	EventOperationCancelled EventType = "operation_cancelled"
	EventBatchStarted       EventType = "batch_started"
	EventBatchCompleted     EventType = "batch_completed"
	EventErrorOccurred      EventType = "error_occurred"
	EventRetryAttempted     EventType = "retry_attempted"
	EventSchemaRegistered   EventType = "schema_registered"
	EventMetricsUpdated     EventType = "metrics_updated"
)

// Event is one engine occurrence delivered to subscribers and appended to
// the audit trail.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	OperationID string         `json:"operationId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Subscriber receives every published event.
type Subscriber func(Event)

// EventBus fans events out to subscribers.
type EventBus struct {
	mu    sync.RWMutex
	subs  map[int]Subscriber
	next  int
	clock Clock
}

// NewEventBus creates an empty bus.
func NewEventBus(clock Clock) *EventBus {
	if clock == nil {
		clock = SystemClock{}
	}
	return &EventBus{subs: make(map[int]Subscriber), clock: clock}
}

// Subscribe registers a subscriber and returns its unsubscribe function.
func (b *EventBus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish builds an event and delivers it to every subscriber in turn.
func (b *EventBus) Publish(eventType EventType, operationID string, data map[string]any) Event {
	evt := Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		OperationID: operationID,
		Timestamp:   b.clock.Now(),
		Data:        data,
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		deliver(fn, evt)
	}
	return evt
}

// deliver invokes one subscriber, converting a panic into a log entry.
func deliver(fn Subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked",
				"event_type", string(evt.Type),
				"operation_id", evt.OperationID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(evt)
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
