package broadcast

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// Subscription is one reader's registration with a Broadcaster. A
// subscription is meant to be consumed by a single goroutine, through
// exactly one of All, Next or C.
type Subscription[T any] struct {
	id    uuid.UUID
	ep    *endpoint[T]
	owner *Broadcaster[T]

	stopOnce sync.Once
	stopped  chan struct{}

	mu     sync.Mutex
	unhook func() bool

	chOnce sync.Once
	ch     chan T
}

func newSubscription[T any](owner *Broadcaster[T]) *Subscription[T] {
	return &Subscription[T]{
		id:      uuid.New(),
		ep:      newEndpoint[T](owner.policy),
		owner:   owner,
		stopped: make(chan struct{}),
	}
}

// armContext stops the subscription when ctx is done.
func (s *Subscription[T]) armContext(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	unhook := context.AfterFunc(ctx, s.Stop)

	s.mu.Lock()
	s.unhook = unhook
	s.mu.Unlock()
}

// ID returns the subscription's unique id.
func (s *Subscription[T]) ID() uuid.UUID {
	return s.id
}

// Stop ends the subscription from the reader's side: it is removed from the
// broadcaster and anything still buffered is discarded. Stop is idempotent
// and safe to call concurrently with Close.
func (s *Subscription[T]) Stop() {
	s.stopOnce.Do(func() {
		s.owner.unsubscribe(s.id)
		s.ep.finish(true)
		close(s.stopped)

		s.mu.Lock()
		unhook := s.unhook
		s.mu.Unlock()
		if unhook != nil {
			unhook()
		}
	})
}

// All returns the subscription as a sequence. The sequence ends when the
// subscription ends; leaving the loop early stops the subscription.
func (s *Subscription[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer s.Stop()
		for {
			v, ok := s.ep.pop(context.Background())
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Next waits for the next value. It returns false when the subscription has
// ended and its buffer is drained, or when ctx is done. A done ctx only
// abandons this wait; it does not stop the subscription.
func (s *Subscription[T]) Next(ctx context.Context) (T, bool) {
	return s.ep.pop(ctx)
}

// C returns a channel carrying the subscription's values. It is closed once
// the subscription ends and its buffer is drained. The channel is created on
// first call; later calls return the same channel.
func (s *Subscription[T]) C() <-chan T {
	s.chOnce.Do(func() {
		s.ch = make(chan T)
		go s.pump()
	})
	return s.ch
}

func (s *Subscription[T]) pump() {
	defer close(s.ch)
	for {
		v, ok := s.ep.pop(context.Background())
		if !ok {
			return
		}
		select {
		case s.ch <- v:
		case <-s.stopped:
			return
		}
	}
}

// Done is closed when the subscription ends, either side. Values buffered
// before a Close can still be read after Done is closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.ep.done
}

// Buffered returns the number of values waiting to be read.
func (s *Subscription[T]) Buffered() int {
	return s.ep.buffered()
}

// Dropped returns how many values the buffer policy has discarded.
func (s *Subscription[T]) Dropped() uint64 {
	return s.ep.droppedCount()
}
