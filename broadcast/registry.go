package broadcast

import (
	"sync"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// registry maps subscription ids to their endpoints. Every read and write
// goes through mu; delivery happens on snapshots taken outside of it.
type registry[T any] struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap[uuid.UUID, *endpoint[T]]
	sealed  bool
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{
		entries: orderedmap.New[uuid.UUID, *endpoint[T]](),
	}
}

// insert adds the mapping. It returns false once the registry has been
// drained, in which case nothing is stored.
func (r *registry[T]) insert(id uuid.UUID, ep *endpoint[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return false
	}
	r.entries.Set(id, ep)
	return true
}

// remove deletes id and reports whether it was present. Removing an absent
// id is a no-op.
func (r *registry[T]) remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries.Delete(id)
	return ok
}

// snapshot copies the current endpoints in subscription order.
func (r *registry[T]) snapshot() []*endpoint[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.valuesLocked()
}

// drainAll empties and seals the registry, returning what it held. first
// is false when the registry had already been sealed.
func (r *registry[T]) drainAll() (eps []*endpoint[T], first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps = r.valuesLocked()
	first = !r.sealed
	r.entries = orderedmap.New[uuid.UUID, *endpoint[T]]()
	r.sealed = true
	return eps, first
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

func (r *registry[T]) isSealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

func (r *registry[T]) valuesLocked() []*endpoint[T] {
	eps := make([]*endpoint[T], 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		eps = append(eps, pair.Value)
	}
	return eps
}
