package memory

import (
	"context"
	"sync"

	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/ports"
)

// Bus implements ports.EventBus with in-process handler fan-out. It is the
// default bus for single-node deployments and for tests.
type Bus struct {
	subscribers map[string][]ports.EventHandler
	mu          sync.RWMutex
}

// NewBus creates a new in-memory event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]ports.EventHandler),
	}
}

// Publish delivers an event to all subscribers of a topic. Handlers run in
// their own goroutines so a slow observer never blocks the publisher.
func (b *Bus) Publish(ctx context.Context, topic string, event domain.Event) error {
	b.mu.RLock()
	handlers := make([]ports.EventHandler, len(b.subscribers[topic]))
	copy(handlers, b.subscribers[topic])
	b.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		go func(h ports.EventHandler) {
			_ = h(ctx, event)
		}(handler)
	}

	return nil
}

// Subscribe registers a handler for a topic. The subscription is removed
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	idx := len(b.subscribers[topic]) - 1
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, idx)
	}()

	return nil
}

// Close drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = make(map[string][]ports.EventHandler)
	return nil
}

func (b *Bus) unsubscribe(topic string, idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.subscribers[topic]
	if idx < len(handlers) {
		handlers[idx] = nil
	}
}
