// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

// Event types for cortexlipsync
const (
	// Timeline events
	EventTypeTimelineLoaded EventType = "timeline.loaded"
	EventTypeEntryStart     EventType = "timeline.entry_start"
	EventTypeEntryEnd       EventType = "timeline.entry_end"
	EventTypeVisemeChange   EventType = "timeline.viseme_change"

	// Sync events
	EventTypeSyncDrift      EventType = "sync.drift"
	EventTypeBufferUnderrun EventType = "sync.buffer_underrun"
	EventTypeBufferOverrun  EventType = "sync.buffer_overrun"
	EventTypeQualityChange  EventType = "sync.quality_change"
	EventTypeCalibrated     EventType = "sync.calibrated"

	// Audio events
	EventTypeSpeechStart EventType = "audio.speech_start"
	EventTypeSpeechEnd   EventType = "audio.speech_end"
	EventTypePhoneme     EventType = "audio.phoneme"

	// Runtime events
	EventTypePerformanceWarning EventType = "runtime.performance_warning"
	EventTypeError              EventType = "runtime.error"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Time time.Time
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// SubscribeAll adds a handler that receives every event.
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

func (b *EventBus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	handlers = append(handlers, b.handlers[eventType]...)
	return append(handlers, b.all...)
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.all = nil
}
