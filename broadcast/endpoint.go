package broadcast

import (
	"context"
	"sync"
)

// endpoint is one subscription's private buffer. The registry holds it as
// the sending side; the Subscription reads from it.
type endpoint[T any] struct {
	policy Policy

	mu       sync.Mutex
	queue    queue[T]
	finished bool
	dropped  uint64

	ready chan struct{} // wake-up token, capacity 1
	done  chan struct{} // closed once by finish
}

func newEndpoint[T any](policy Policy) *endpoint[T] {
	return &endpoint[T]{
		policy: policy,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push buffers v according to the policy and reports whether a value was
// discarded to do so. It never blocks.
func (e *endpoint[T]) push(v T) (dropped bool) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return false
	}

	if e.policy.Bounded() && e.queue.len() >= e.policy.capacity {
		dropped = true
		e.dropped++
		if e.policy.kind == kindDropNewest {
			e.mu.Unlock()
			return dropped
		}
		e.queue.popFront()
	}
	e.queue.pushBack(v)
	e.mu.Unlock()

	e.wake()
	return dropped
}

// finish marks the end of the sequence. Buffered values stay readable
// unless discard is set. It reports whether this call did the finishing.
func (e *endpoint[T]) finish(discard bool) bool {
	e.mu.Lock()
	first := !e.finished
	e.finished = true
	if discard {
		e.queue.clear()
	}
	e.mu.Unlock()

	if first {
		close(e.done)
	}
	return first
}

// pop waits for the next value. It returns false once the endpoint is
// finished and drained, or when ctx is done.
func (e *endpoint[T]) pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		e.mu.Lock()
		v, ok := e.queue.popFront()
		more := e.queue.len() > 0
		finished := e.finished
		e.mu.Unlock()

		if ok {
			if more {
				e.wake()
			}
			return v, true
		}
		if finished {
			return zero, false
		}

		select {
		case <-e.ready:
		case <-e.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

func (e *endpoint[T]) wake() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *endpoint[T]) buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

func (e *endpoint[T]) droppedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// queue is a FIFO backed by a slice that is compacted as the head advances.
type queue[T any] struct {
	items []T
	head  int
}

func (q *queue[T]) len() int {
	return len(q.items) - q.head
}

func (q *queue[T]) pushBack(v T) {
	q.items = append(q.items, v)
}

func (q *queue[T]) popFront() (T, bool) {
	var zero T
	if q.len() == 0 {
		return zero, false
	}

	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 32 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

func (q *queue[T]) clear() {
	clear(q.items)
	q.items = nil
	q.head = 0
}
