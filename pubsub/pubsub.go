// Package pubsub provides topic-based publish-subscribe messaging with
// []byte payloads.
//
// It is a dumb transport layer: applications build their own adapters for
// type safety, filtering, and business logic. Every broker keeps one
// broadcast.Broadcaster per topic for its local handlers, so each handler
// sees a topic's messages in order and a slow handler never blocks a
// publisher or another handler. WithPolicy bounds how far a handler may fall
// behind.
//
// Three implementations are provided:
//   - InMemory: single-process pub/sub
//   - Postgres: LISTEN/NOTIFY-based, multi-process pub/sub
//   - Redis: PUBLISH/SUBSCRIBE-based, multi-process pub/sub
package pubsub

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/erlorenz/fanout/broadcast"
)

var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("pubsub: broker is closed")

	// ErrPayloadTooLarge is returned when a payload exceeds the transport limit.
	ErrPayloadTooLarge = errors.New("pubsub: payload too large")
)

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish sends a message to every active subscriber of topic. With no
	// subscribers the message is dropped.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// Subscriber subscribes to topics and receives messages via handlers.
type Subscriber interface {
	// Subscribe registers a handler for topic. The handler runs on its own
	// goroutine and receives each message published after Subscribe returns,
	// in order. It stays registered until ctx is canceled or Close is called.
	Subscribe(ctx context.Context, topic string, handler func([]byte)) error

	// Close releases any resources held by the subscriber and stops all handlers.
	Close() error
}

// Broker combines Publisher and Subscriber.
type Broker interface {
	Publisher
	Subscriber
}

type config struct {
	policy  broadcast.Policy
	logger  *slog.Logger
	metrics prometheus.Registerer
}

func (c config) broadcastOptions() []broadcast.Option {
	return []broadcast.Option{
		broadcast.WithPolicy(c.policy),
		broadcast.WithLogger(c.logger),
		broadcast.WithMetrics(c.metrics),
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		policy: broadcast.Unbounded(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures a broker.
type Option func(*config)

// WithPolicy sets the buffering policy for each handler. Default: unbounded.
func WithPolicy(p broadcast.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithLogger sets the broker's logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics registers per-topic delivery metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.metrics = reg
	}
}
