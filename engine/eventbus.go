package engine

import (
	"log"
	"slices"
	"sync"
	"time"
)

type EventType int

type SubscriberID int

// Event is one engine state change. Payload is the matching *Event struct
// from events.go.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type handler struct {
	id    SubscriberID
	fn    func(Event)
	types []EventType
}

// wants reports whether h listens for t; no types means every type.
func (h handler) wants(t EventType) bool {
	return len(h.types) == 0 || slices.Contains(h.types, t)
}

// call runs the handler, logging a panic instead of unwinding into the
// shuttle or PLC loop that emitted the event.
func (h handler) call(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: event handler %d panicked on %s: %v", h.id, evt.Type, r)
		}
	}()
	h.fn(evt)
}

// EventBus fans engine events out to the audit and outbox hooks and the
// SSE hub. Handlers run on the emitting goroutine in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	handlers []handler
	lastID   SubscriberID
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (eb *EventBus) Subscribe(fn func(Event)) SubscriberID {
	return eb.SubscribeTypes(fn)
}

// SubscribeTypes registers fn for the listed event types only.
func (eb *EventBus) SubscribeTypes(fn func(Event), types ...EventType) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.lastID++
	eb.handlers = append(eb.handlers, handler{id: eb.lastID, fn: fn, types: slices.Clone(types)})
	return eb.lastID
}

func (eb *EventBus) Unsubscribe(id SubscriberID) {
	eb.mu.Lock()
	eb.handlers = slices.DeleteFunc(eb.handlers, func(h handler) bool { return h.id == id })
	eb.mu.Unlock()
}

// Emit stamps evt and hands it to every interested handler.
func (eb *EventBus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	eb.mu.RLock()
	hs := slices.Clone(eb.handlers)
	eb.mu.RUnlock()

	for _, h := range hs {
		if h.wants(evt.Type) {
			h.call(evt)
		}
	}
}
