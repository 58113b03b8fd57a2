package eventbus

import (
	"sort"
	"sync"
	"time"

	"ivory/internal/shared/async"
	"ivory/internal/shared/logging"
)

// Event is a topic-tagged payload delivered to subscribers.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

// Bus is a synchronous, in-process pub/sub keyed by topic. Handlers run on
// the emitter's goroutine in subscription order; a panicking handler is
// logged and does not stop delivery to later handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
	logger   logging.Logger
}

// New constructs an event bus.
func New(logger logging.Logger) *Bus {
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		logger:   logging.OrNop(logger),
	}
}

// On subscribes handler to topic and returns an unsubscribe function.
func (b *Bus) On(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Emit delivers payload to every subscriber of topic, in subscription order.
func (b *Bus) Emit(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[topic]))
	for id := range b.handlers[topic] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ordered := make([]Handler, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, b.handlers[topic][id])
	}
	b.mu.RUnlock()

	for _, handler := range ordered {
		b.deliver(topic, handler, event)
	}
}

func (b *Bus) deliver(topic string, handler Handler, event Event) {
	defer async.Recover(b.logger, "eventbus:"+topic)
	handler(event)
}
