package pubsub

import (
	"context"
)

// InMemory is a single-process broker. It suits tests, development, and
// applications that run as one instance. Messages are not persisted and are
// lost if no subscribers are active.
type InMemory struct {
	topics *topics
}

// NewInMemory creates a new in-memory broker.
func NewInMemory(opts ...Option) *InMemory {
	return &InMemory{topics: newTopics(nil, newConfig(opts))}
}

// Publish delivers a copy of payload to every subscriber of topic.
func (m *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.topics.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.topics.deliver(topic, payload)
	return nil
}

// Subscribe registers handler for topic until ctx is canceled or Close is called.
func (m *InMemory) Subscribe(ctx context.Context, topic string, handler func([]byte)) error {
	return m.topics.subscribe(ctx, topic, handler)
}

// Wait blocks until every handler has returned. Use it after Close.
func (m *InMemory) Wait(ctx context.Context) error {
	return m.topics.wait(ctx)
}

// Close stops all subscriptions and prevents new ones.
func (m *InMemory) Close() error {
	return m.topics.close()
}
