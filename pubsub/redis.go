package pubsub

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Redis is a broker built on Redis PUBLISH/SUBSCRIBE. Processes sharing the
// Redis server share topics. Like Postgres it offers no durability.
//
// All local topics share a single subscriber connection.
type Redis struct {
	client *goredis.Client
	topics *topics

	// Guarded by the topics lock.
	ps        *goredis.PubSub
	receiving bool
	done      chan struct{}
}

// NewRedis creates a broker using client. The client must outlive the broker.
func NewRedis(client *goredis.Client, opts ...Option) *Redis {
	r := &Redis{client: client, done: make(chan struct{})}
	r.topics = newTopics(r.subscribe, newConfig(opts))
	return r
}

// Publish sends payload to topic with PUBLISH.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if r.topics.isClosed() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic.
func (r *Redis) Subscribe(ctx context.Context, topic string, handler func([]byte)) error {
	return r.topics.subscribe(ctx, topic, handler)
}

// Wait blocks until every handler has returned. Use it after Close.
func (r *Redis) Wait(ctx context.Context) error {
	return r.topics.wait(ctx)
}

// Close unsubscribes from every topic and closes the subscriber connection.
func (r *Redis) Close() error {
	if err := r.topics.close(); err != nil {
		return err
	}

	if r.ps == nil {
		return nil
	}
	err := r.ps.Close()
	if r.receiving {
		<-r.done
	}
	return err
}

// subscribe adds topic to the shared connection, starting the receive loop
// on first use. It runs under the topics lock.
func (r *Redis) subscribe(ctx context.Context, topic string) (func(), error) {
	if r.ps == nil {
		r.ps = r.client.Subscribe(context.Background())
	}

	if err := r.ps.Subscribe(ctx, topic); err != nil {
		return nil, fmt.Errorf("pubsub: subscribe %q: %w", topic, err)
	}
	if !r.receiving {
		r.receiving = true
		go r.receive()
	}

	stop := func() {
		if err := r.ps.Unsubscribe(context.Background(), topic); err != nil {
			r.topics.logger.Debug("pubsub unsubscribe failed", "topic", topic, "error", err)
		}
	}
	return stop, nil
}

func (r *Redis) receive() {
	defer close(r.done)
	for msg := range r.ps.Channel() {
		r.topics.deliver(msg.Channel, []byte(msg.Payload))
	}
}
