package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/fanout/broadcast"
	"github.com/erlorenz/fanout/kv"
)

func nextChange(t *testing.T, sub *broadcast.Subscription[kv.Change]) kv.Change {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, ok := sub.Next(ctx)
	require.True(t, ok, "expected a change")
	return c
}

func TestObserved_EmitsOnMutation(t *testing.T) {
	ctx := context.Background()
	store := kv.Observe(kv.NewMemoryStore())
	defer store.Close()

	sub := store.Changes(ctx)
	defer sub.Stop()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.SetMany(ctx, map[string][]byte{"c": nil, "b": nil}, 0))
	require.NoError(t, store.Update(ctx, "a", 0, func([]byte) ([]byte, error) { return []byte("2"), nil }))
	require.NoError(t, store.Delete(ctx, "b"))

	var got []string
	for range 5 {
		c := nextChange(t, sub)
		got = append(got, c.Op.String()+":"+c.Key)
		assert.False(t, c.At.IsZero())
	}
	assert.Equal(t, []string{"set:a", "set:b", "set:c", "set:a", "delete:b"}, got)
}

func TestObserved_ReadsDoNotEmit(t *testing.T) {
	ctx := context.Background()
	store := kv.Observe(kv.NewMemoryStore())
	defer store.Close()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))

	sub := store.Changes(ctx)
	defer sub.Stop()

	_, err := store.Get(ctx, "a")
	require.NoError(t, err)
	_, err = store.Keys(ctx, "")
	require.NoError(t, err)

	assert.Zero(t, sub.Buffered())
}

func TestObserved_FailedMutationDoesNotEmit(t *testing.T) {
	ctx := context.Background()
	store := kv.Observe(kv.NewMemoryStore())
	defer store.Close()

	sub := store.Changes(ctx)
	defer sub.Stop()

	err := store.Update(ctx, "a", 0, func([]byte) ([]byte, error) { return nil, errors.New("no") })
	require.Error(t, err)
	assert.Zero(t, sub.Buffered())
}

func TestObserved_CloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := kv.Observe(kv.NewMemoryStore())

	sub := store.Changes(ctx)
	require.NoError(t, store.Close())

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}

	late := store.Changes(ctx)
	_, ok := late.Next(ctx)
	assert.False(t, ok)
}

// plainStore hides the optional interfaces of the wrapped store.
type plainStore struct{ kv.Store }

func TestObserved_WithoutUpdater(t *testing.T) {
	ctx := context.Background()
	store := kv.Observe(plainStore{kv.NewMemoryStore()}, broadcast.WithPolicy(broadcast.DropOldest(1)))
	defer store.Close()

	sub := store.Changes(ctx)
	defer sub.Stop()

	require.NoError(t, store.SetMany(ctx, map[string][]byte{"x": nil, "y": nil}, 0))
	assert.Equal(t, "y", nextChange(t, sub).Key)
	assert.Equal(t, uint64(1), sub.Dropped())

	err := store.Update(ctx, "x", 0, func(b []byte) ([]byte, error) { return b, nil })
	assert.ErrorIs(t, err, errors.ErrUnsupported)

	n, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestObserved_BackgroundSweepEmitsExpire(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	store := kv.Observe(kv.NewMemoryStore(kv.WithClock(clock), kv.WithCleanupInterval(time.Minute)))
	defer store.Close()

	sub := store.Changes(ctx)
	defer sub.Stop()

	require.NoError(t, store.Set(ctx, "session", []byte("v"), 30*time.Second))
	assert.Equal(t, kv.OpSet, nextChange(t, sub).Op)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	c := nextChange(t, sub)
	assert.Equal(t, kv.OpExpire, c.Op)
	assert.Empty(t, c.Key)
}
