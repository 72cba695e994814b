// Package watch keeps a read model current by re-running a query every time
// a change notification arrives.
//
// It is the reading half of the notify-then-refetch pattern: a store emits a
// bare signal after each mutation, and readers fetch the current state
// instead of applying deltas.
package watch

import (
	"context"
	"iter"

	"github.com/erlorenz/fanout/broadcast"
)

// Query yields the result of fetch once immediately and again after every
// signal received on sub. Signals that pile up while a fetch is running are
// coalesced into a single re-fetch. The sequence ends when sub ends, when ctx
// is done or when the loop exits; sub is stopped in every case.
//
// Fetch errors are yielded alongside a zero result and do not end the
// sequence; the caller decides whether to break.
func Query[S, R any](ctx context.Context, sub *broadcast.Subscription[S], fetch func(context.Context) (R, error)) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		defer sub.Stop()

		for {
			if ctx.Err() != nil {
				return
			}
			if !yield(fetch(ctx)) {
				return
			}

			if _, ok := sub.Next(ctx); !ok {
				return
			}
			drain(sub)
		}
	}
}

// drain discards signals that are already buffered.
func drain[S any](sub *broadcast.Subscription[S]) {
	for sub.Buffered() > 0 {
		if _, ok := sub.Next(context.Background()); !ok {
			return
		}
	}
}
