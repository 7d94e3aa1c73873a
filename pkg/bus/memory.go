package bus

import (
	"context"
	"sync"

	"github.com/fleetor/fleetor/pkg/models"
)

// MemoryBus is an in-process MessageBus for tests and single-binary local
// runs. Publishes are delivered synchronously to subscribed handlers and
// every message is retained for inspection.
type MemoryBus struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]MessageHandler
	published map[string][]models.Message
}

// NewMemoryBus creates an empty in-memory bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers:  make(map[string][]MessageHandler),
		published: make(map[string][]models.Message),
	}
}

// Connect marks the bus ready
func (b *MemoryBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Publish delivers a message to the topic's handlers
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg models.Message) error {
	return b.PublishWithKey(ctx, topic, msg.ID, msg)
}

// PublishWithKey delivers a message; the key is accepted for interface
// parity but ordering is trivially preserved in-process
func (b *MemoryBus) PublishWithKey(ctx context.Context, topic string, key string, msg models.Message) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return &ConnectionError{Message: "memory bus not connected"}
	}
	if err := msg.Validate(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.published[topic] = append(b.published[topic], msg)
	handlers := make([]MessageHandler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for a topic
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// SubscribeToMultiple registers one handler for several topics
func (b *MemoryBus) SubscribeToMultiple(ctx context.Context, topics []string, handler MessageHandler) error {
	for _, topic := range topics {
		if err := b.Subscribe(ctx, topic, handler); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe drops all handlers for a topic
func (b *MemoryBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

// Close marks the bus disconnected
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// Health reports healthy while connected
func (b *MemoryBus) Health() models.HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return models.HealthHealthy
	}
	return models.HealthUnknown
}

// Published returns a copy of everything published to a topic
func (b *MemoryBus) Published(topic string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]models.Message, len(b.published[topic]))
	copy(msgs, b.published[topic])
	return msgs
}
