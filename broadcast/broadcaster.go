// Package broadcast fans a single stream of values out to any number of
// independent readers.
//
// A Broadcaster has one logical writer calling Emit and a changing set of
// subscriptions. Every subscription owns a private buffer governed by the
// broadcaster's Policy, so a slow reader only ever affects itself: Emit never
// blocks and never fails.
//
//	b := broadcast.New[string](broadcast.WithPolicy(broadcast.DropOldest(16)))
//	defer b.Close()
//
//	go func() {
//		for msg := range b.Stream(ctx) {
//			fmt.Println(msg)
//		}
//	}()
//
//	b.Emit("hello")
//
// A subscription sees only values emitted after Subscribe returns, in emission
// order. It ends when the reader stops (breaking out of the range loop, ctx
// cancellation, or Stop) or when the writer calls Close; after Close readers
// still drain what was already buffered.
package broadcast

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Broadcaster distributes emitted values to every live subscription.
// It is safe for concurrent use.
type Broadcaster[T any] struct {
	name     string
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics
	registry *registry[T]

	// emitMu orders concurrent Emit and Close calls so all subscribers
	// observe the same sequence. It is never taken under the registry lock.
	emitMu sync.Mutex
}

type options struct {
	name       string
	policy     Policy
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// Option configures a Broadcaster.
type Option func(*options)

// WithPolicy sets the buffering policy of every subscription.
// Default: Unbounded
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithName names the broadcaster in logs and metric labels.
// Default: "default"
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers the broadcaster's collectors with reg, labelled by
// the broadcaster name. Default: no metrics
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// New creates an open Broadcaster.
func New[T any](opts ...Option) *Broadcaster[T] {
	o := options{
		name:   "default",
		policy: Unbounded(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Broadcaster[T]{
		name:     o.name,
		policy:   o.policy,
		logger:   o.logger.With("broadcaster", o.name),
		metrics:  newMetrics(o.registerer, o.name),
		registry: newRegistry[T](),
	}
}

// Policy returns the buffering policy given to New.
func (b *Broadcaster[T]) Policy() Policy {
	return b.policy
}

// Subscribe registers a new reader. The subscription receives every value
// emitted after Subscribe returns and ends when ctx is done, when Stop is
// called, when a range loop over All exits early, or when the broadcaster is
// closed. Subscribe on a closed broadcaster returns a subscription that has
// already ended.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) *Subscription[T] {
	s := newSubscription(b)

	if !b.registry.insert(s.id, s.ep) {
		s.ep.finish(false)
		b.logger.Debug("subscribe on closed broadcaster", "subscription", s.id)
		return s
	}
	b.metrics.subscribed()
	s.armContext(ctx)

	b.logger.Debug("subscription added", "subscription", s.id, "policy", b.policy.String())
	return s
}

// Stream subscribes immediately and returns the subscription as a sequence.
// Values emitted between Stream returning and the loop starting are buffered.
func (b *Broadcaster[T]) Stream(ctx context.Context) iter.Seq[T] {
	return b.Subscribe(ctx).All()
}

// Emit delivers v to every live subscription. It never blocks: full bounded
// buffers drop per policy without affecting other subscriptions. Emit after
// Close is a no-op.
func (b *Broadcaster[T]) Emit(v T) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	if b.registry.isSealed() {
		return
	}

	dropped := 0
	for _, ep := range b.registry.snapshot() {
		if ep.push(v) {
			dropped++
		}
	}
	b.metrics.emitted(dropped)
}

// Close ends every subscription and makes the broadcaster permanently inert.
// Readers still receive what is already buffered. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	eps, first := b.registry.drainAll()
	for _, ep := range eps {
		ep.finish(false)
	}
	b.metrics.unsubscribed(len(eps))

	if first {
		b.logger.Debug("broadcaster closed", "subscriptions", len(eps))
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster[T]) Len() int {
	return b.registry.len()
}

// Closed reports whether Close has been called.
func (b *Broadcaster[T]) Closed() bool {
	return b.registry.isSealed()
}

// unsubscribe is the termination hook shared by every reader-side exit.
func (b *Broadcaster[T]) unsubscribe(id uuid.UUID) {
	if b.registry.remove(id) {
		b.metrics.unsubscribed(1)
		b.logger.Debug("subscription removed", "subscription", id)
	}
}
