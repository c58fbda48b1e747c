// Package event provides the in-memory plugin.EventBus used to hand detected
// anomalies from the detection plugin to downstream consumers.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/seancwalsh/flynn/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

// Bus is an in-memory event bus. Publish runs handlers in the caller's
// goroutine; PublishAsync runs each handler in its own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	allSubs  []handlerEntry
	nextID   uint64
	logger   *zap.Logger
	now      func() time.Time
}

type handlerEntry struct {
	id      uint64
	handler plugin.EventHandler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
		now:      time.Now,
	}
}

// Publish dispatches an event synchronously to all matching handlers.
// A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	event = b.stamp(event)
	for _, h := range b.matching(event.Topic) {
		b.safeCall(ctx, h.handler, event)
	}
	return nil
}

// PublishAsync dispatches an event to all matching handlers without waiting.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	event = b.stamp(event)
	for _, h := range b.matching(event.Topic) {
		go b.safeCall(ctx, h.handler, event)
	}
}

// Subscribe registers a handler for a specific topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[topic] = without(b.handlers[topic], id)
	}
}

// SubscribeAll registers a handler for every topic. Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = without(b.allSubs, id)
	}
}

// matching snapshots the handlers for topic so dispatch runs without the lock.
func (b *Bus) matching(topic string) []handlerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]handlerEntry, 0, len(b.handlers[topic])+len(b.allSubs))
	out = append(out, b.handlers[topic]...)
	return append(out, b.allSubs...)
}

func (b *Bus) stamp(event plugin.Event) plugin.Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	return event
}

func without(entries []handlerEntry, id uint64) []handlerEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

func (b *Bus) safeCall(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
