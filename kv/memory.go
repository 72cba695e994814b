package kv

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultCleanupInterval = time.Minute

type item struct {
	value     []byte
	expiresAt time.Time
}

func (i *item) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryStore is an in-memory Store with TTL support. It is safe for
// concurrent use and purges expired items in the background.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*item
	closed bool

	clock    clockwork.Clock
	interval time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	swept     atomic.Pointer[func(int64)]
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock used for expiry. Tests pass a fake clock.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// WithCleanupInterval sets how often expired items are purged.
// A non-positive interval disables the background sweep.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.interval = d
	}
}

// NewMemoryStore creates an in-memory store and starts its cleanup loop.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data:     make(map[string]*item),
		clock:    clockwork.NewRealClock(),
		interval: defaultCleanupInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.interval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.done)
	}

	return s
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get retrieves a copy of the value stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	it, ok := s.data[key]
	if !ok || it.expired(s.clock.Now()) {
		return nil, ErrNotFound
	}

	return slices.Clone(it.value), nil
}

// Set stores a copy of value under key.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.data[key] = &item{value: slices.Clone(value), expiresAt: s.expiry(ttl)}
	return nil
}

// SetMany stores all items under a single lock acquisition.
func (s *MemoryStore) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	expiresAt := s.expiry(ttl)
	for key, value := range items {
		s.data[key] = &item{value: slices.Clone(value), expiresAt: expiresAt}
	}

	return nil
}

// Update atomically reads, modifies, and writes the value under key.
func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	var current []byte
	if it, ok := s.data[key]; ok && !it.expired(s.clock.Now()) {
		current = slices.Clone(it.value)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	s.data[key] = &item{value: slices.Clone(next), expiresAt: s.expiry(ttl)}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	delete(s.data, key)
	return nil
}

// Keys returns the sorted unexpired keys with the given prefix.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	now := s.clock.Now()
	keys := make([]string, 0, len(s.data))
	for key, it := range s.data {
		if it.expired(now) || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys, nil
}

// Cleanup removes expired items and reports how many were removed.
func (s *MemoryStore) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	now := s.clock.Now()
	var n int64
	for key, it := range s.data {
		if it.expired(now) {
			delete(s.data, key)
			n++
		}
	}

	return n, nil
}

// Close stops the cleanup loop. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.data = nil
		s.mu.Unlock()

		close(s.stop)
		err = nil
	})
	<-s.done
	return err
}

func (s *MemoryStore) onSweep(fn func(int64)) {
	s.swept.Store(&fn)
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			n, _ := s.Cleanup(context.Background())
			if fn := s.swept.Load(); fn != nil && n > 0 {
				(*fn)(n)
			}
		case <-s.stop:
			return
		}
	}
}
