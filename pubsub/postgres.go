package pubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxNotifyPayload is PostgreSQL's limit on a NOTIFY payload.
const maxNotifyPayload = 8000

// Postgres is a broker built on PostgreSQL LISTEN/NOTIFY. Processes sharing
// the database share topics. There is no durability: messages are lost if no
// one is listening.
//
// Each topic with local subscribers holds one pooled connection in LISTEN
// mode. Payloads travel as text, so they must be valid UTF-8.
type Postgres struct {
	pool   *pgxpool.Pool
	topics *topics
}

// NewPostgres creates a broker using pool. The pool must outlive the broker.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	p := &Postgres{pool: pool}
	p.topics = newTopics(p.listen, newConfig(opts))
	return p
}

// Publish sends payload to topic with pg_notify.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.topics.isClosed() {
		return ErrClosed
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes exceeds the NOTIFY limit of %d", ErrPayloadTooLarge, len(payload), maxNotifyPayload)
	}

	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload)); err != nil {
		return fmt.Errorf("pubsub: notify %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. The first local subscriber of a
// topic issues LISTEN; the last one to leave releases the connection.
func (p *Postgres) Subscribe(ctx context.Context, topic string, handler func([]byte)) error {
	return p.topics.subscribe(ctx, topic, handler)
}

// Wait blocks until every handler has returned. Use it after Close.
func (p *Postgres) Wait(ctx context.Context) error {
	return p.topics.wait(ctx)
}

// Close stops all listeners and releases their connections.
func (p *Postgres) Close() error {
	return p.topics.close()
}

// listen acquires a dedicated connection for topic and forwards its
// notifications until the returned stop function runs.
func (p *Postgres) listen(ctx context.Context, topic string) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pubsub: acquire listener for %q: %w", topic, err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pubsub: listen %q: %w", topic, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.topics.logger.Error("pubsub listener stopped", "topic", topic, "error", err)
				}
				return
			}
			p.topics.deliver(topic, []byte(n.Payload))
		}
	}()

	stop := func() {
		cancel()
		<-done
		// A connection interrupted mid-wait is not safe to reuse.
		conn.Conn().Close(context.Background())
		conn.Release()
	}
	return stop, nil
}
