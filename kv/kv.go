// Package kv provides a small key-value store interface with in-memory and
// PostgreSQL backends.
//
// Stores work with raw []byte values so applications keep their own
// serialization in typed adapters. Wrapping a store with Observe publishes a
// Change for every successful mutation, which lets readers re-query the store
// when its contents move.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("kv: key not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Store is a key-value store that works with raw bytes.
type Store interface {
	// Get retrieves a value by key. Returns ErrNotFound if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given key. A ttl of 0 never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key. Returns nil if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// Keys returns the unexpired keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Updater is implemented by stores that support batched and atomic writes.
type Updater interface {
	// SetMany stores all items with the same ttl.
	SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Update atomically reads, modifies, and writes a value. fn receives nil
	// when the key is missing or expired. If fn returns an error nothing is written.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error
}

// Cleaner is implemented by stores that can purge expired entries on demand.
type Cleaner interface {
	// Cleanup removes expired entries and reports how many were removed.
	Cleanup(ctx context.Context) (int64, error)
}

// sweeper is implemented by stores that also purge expired entries on a
// timer. fn is called after each background pass that removed something.
type sweeper interface {
	onSweep(fn func(removed int64))
}

// Op identifies the kind of mutation a Change describes.
type Op uint8

const (
	OpSet Op = iota + 1
	OpDelete
	OpExpire
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// Change describes one mutation of an observed store. Key is empty for
// OpExpire, which covers a whole cleanup pass.
type Change struct {
	Op  Op
	Key string
	At  time.Time
}
