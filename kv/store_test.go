package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/fanout/kv"
)

// storeHarness lets the same behaviour run against every backend.
type storeHarness struct {
	// open returns an empty store. It is closed by the suite.
	open func(t *testing.T) kv.Store
	// advance moves the store's clock forward by at least d.
	advance func(t *testing.T, d time.Duration)
}

type updaterStore interface {
	kv.Store
	kv.Updater
	kv.Cleaner
}

func runStoreSuite(t *testing.T, h storeHarness) {
	ctx := context.Background()

	open := func(t *testing.T) updaterStore {
		t.Helper()
		s := h.open(t)
		t.Cleanup(func() { _ = s.Close() })
		us, ok := s.(updaterStore)
		require.True(t, ok, "%T must implement Updater and Cleaner", s)
		return us
	}

	t.Run("SetAndGet", func(t *testing.T) {
		store := open(t)

		require.NoError(t, store.Set(ctx, "test:key", []byte("test value"), 0))

		got, err := store.Get(ctx, "test:key")
		require.NoError(t, err)
		assert.Equal(t, "test value", string(got))
	})

	t.Run("SetOverwrites", func(t *testing.T) {
		store := open(t)

		require.NoError(t, store.Set(ctx, "k", []byte("one"), 0))
		require.NoError(t, store.Set(ctx, "k", []byte("two"), 0))

		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("GetNotFound", func(t *testing.T) {
		store := open(t)

		_, err := store.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		store := open(t)

		require.NoError(t, store.Set(ctx, "test:delete", []byte("delete me"), 0))
		require.NoError(t, store.Delete(ctx, "test:delete"))
		require.NoError(t, store.Delete(ctx, "test:delete"), "deleting a missing key is not an error")

		_, err := store.Get(ctx, "test:delete")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		store := open(t)

		require.NoError(t, store.Set(ctx, "test:ttl", []byte("expires soon"), time.Second))
		require.NoError(t, store.Set(ctx, "test:keep", []byte("stays"), 0))

		_, err := store.Get(ctx, "test:ttl")
		require.NoError(t, err)

		h.advance(t, 2*time.Second)

		_, err = store.Get(ctx, "test:ttl")
		assert.ErrorIs(t, err, kv.ErrNotFound)

		keys, err := store.Keys(ctx, "test:")
		require.NoError(t, err)
		assert.Equal(t, []string{"test:keep"}, keys)

		n, err := store.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("KeysWithPrefix", func(t *testing.T) {
		store := open(t)

		for _, k := range []string{"user:2", "user:1", "session:1", "user_x"} {
			require.NoError(t, store.Set(ctx, k, []byte("v"), 0))
		}

		keys, err := store.Keys(ctx, "user:")
		require.NoError(t, err)
		assert.Equal(t, []string{"user:1", "user:2"}, keys)

		all, err := store.Keys(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"session:1", "user:1", "user:2", "user_x"}, all)
	})

	t.Run("SetMany", func(t *testing.T) {
		store := open(t)

		require.NoError(t, store.SetMany(ctx, map[string][]byte{
			"a": []byte("1"),
			"b": []byte("2"),
		}, 0))
		require.NoError(t, store.SetMany(ctx, nil, 0))

		keys, err := store.Keys(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys)
	})

	t.Run("UpdateExistingKey", func(t *testing.T) {
		store := open(t)

		require.NoError(t, store.Set(ctx, "counter", []byte("10"), 0))
		err := store.Update(ctx, "counter", 0, func(current []byte) ([]byte, error) {
			assert.Equal(t, "10", string(current))
			return []byte("11"), nil
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "11", string(got))
	})

	t.Run("UpdateNonExistentKey", func(t *testing.T) {
		store := open(t)

		err := store.Update(ctx, "fresh", 0, func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte("initial"), nil
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, "initial", string(got))
	})

	t.Run("UpdateWithError", func(t *testing.T) {
		store := open(t)
		boom := errors.New("boom")

		require.NoError(t, store.Set(ctx, "k", []byte("original"), 0))
		err := store.Update(ctx, "k", 0, func([]byte) ([]byte, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "original", string(got))
	})

	t.Run("UpdateWithTTL", func(t *testing.T) {
		store := open(t)

		err := store.Update(ctx, "k", time.Second, func([]byte) ([]byte, error) {
			return []byte("short"), nil
		})
		require.NoError(t, err)

		h.advance(t, 2*time.Second)

		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})
}
