package kv

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/erlorenz/fanout/broadcast"
	"github.com/jonboulle/clockwork"
)

// Observed wraps a Store and broadcasts a Change after every successful
// mutation made through it. Reads pass straight through.
type Observed struct {
	Store

	changes *broadcast.Broadcaster[Change]
	clock   clockwork.Clock
}

// Observe wraps store. The options configure the change broadcaster.
// Background expiry sweeps of MemoryStore and PostgresStore are reported as
// OpExpire changes, like an explicit Cleanup.
func Observe(store Store, opts ...broadcast.Option) *Observed {
	o := &Observed{
		Store:   store,
		changes: broadcast.New[Change](opts...),
		clock:   clockwork.NewRealClock(),
	}
	if sw, ok := store.(sweeper); ok {
		sw.onSweep(func(int64) { o.emit(OpExpire, "") })
	}
	return o
}

// Changes subscribes to mutations made after the call returns. The
// subscription ends when ctx is done, when it is stopped, or when the
// store is closed.
func (o *Observed) Changes(ctx context.Context) *broadcast.Subscription[Change] {
	return o.changes.Subscribe(ctx)
}

// Broadcaster exposes the underlying change broadcaster.
func (o *Observed) Broadcaster() *broadcast.Broadcaster[Change] {
	return o.changes
}

func (o *Observed) emit(op Op, key string) {
	o.changes.Emit(Change{Op: op, Key: key, At: o.clock.Now()})
}

func (o *Observed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := o.Store.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	o.emit(OpSet, key)
	return nil
}

func (o *Observed) Delete(ctx context.Context, key string) error {
	if err := o.Store.Delete(ctx, key); err != nil {
		return err
	}
	o.emit(OpDelete, key)
	return nil
}

// SetMany uses the wrapped store's batch write when it has one and falls
// back to individual Sets otherwise. Changes are emitted in key order.
func (o *Observed) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	keys := slices.Sorted(maps.Keys(items))

	if u, ok := o.Store.(Updater); ok {
		if err := u.SetMany(ctx, items, ttl); err != nil {
			return err
		}
		for _, key := range keys {
			o.emit(OpSet, key)
		}
		return nil
	}

	for _, key := range keys {
		if err := o.Set(ctx, key, items[key], ttl); err != nil {
			return err
		}
	}
	return nil
}

// Update requires the wrapped store to implement Updater.
func (o *Observed) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	u, ok := o.Store.(Updater)
	if !ok {
		return fmt.Errorf("kv: %T cannot update atomically: %w", o.Store, errors.ErrUnsupported)
	}
	if err := u.Update(ctx, key, ttl, fn); err != nil {
		return err
	}
	o.emit(OpSet, key)
	return nil
}

// Cleanup purges expired entries when the wrapped store is a Cleaner and
// emits a single OpExpire change if anything was removed.
func (o *Observed) Cleanup(ctx context.Context) (int64, error) {
	c, ok := o.Store.(Cleaner)
	if !ok {
		return 0, nil
	}
	n, err := c.Cleanup(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		o.emit(OpExpire, "")
	}
	return n, nil
}

// Close ends every change subscription and closes the wrapped store.
func (o *Observed) Close() error {
	o.changes.Close()
	return o.Store.Close()
}

var (
	_ Store   = (*Observed)(nil)
	_ Updater = (*Observed)(nil)
	_ Cleaner = (*Observed)(nil)

	_ Store   = (*MemoryStore)(nil)
	_ Updater = (*MemoryStore)(nil)
	_ Cleaner = (*MemoryStore)(nil)

	_ Store   = (*PostgresStore)(nil)
	_ Updater = (*PostgresStore)(nil)
	_ Cleaner = (*PostgresStore)(nil)
)
