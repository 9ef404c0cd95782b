package bus

import (
	"log/slog"
	"strings"
	"sync"
)

// Event is a notification delivered to subscribers.
type Event struct {
	Topic   string
	Payload interface{}
}

// Handler receives events matching a subscription's topic prefix.
type Handler func(Event)

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	handler Handler
}

// Bus is a simple in-process observer registry with topic prefix matching.
// Dispatch is synchronous: Publish invokes every matching handler before
// returning. A panicking handler is recovered and logged so it never
// prevents the remaining handlers from running.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	order  []int
	nextID int
	logger *slog.Logger
}

// New creates a new Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for events matching the given topic prefix.
// An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		prefix:  topicPrefix,
		handler: fn,
	}
	b.subs[sub.id] = sub
	b.order = append(b.order, sub.id)
	return sub
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	for i, id := range b.order {
		if id == sub.id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers an event to all matching subscribers in registration
// order. Each handler runs isolated: a panic is recovered and logged so
// one listener cannot prevent the rest from running.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, id := range b.order {
		sub, ok := b.subs[id]
		if !ok {
			continue
		}
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", event.Topic,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
