// Package storetest is a conformance suite every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/store"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := store.Key(store.KindSession, "e1")

	t.Run("create get update remove", func(t *testing.T) {
		ok, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.Update(ctx, key, []byte(`{}`)), store.ErrNotFound)

		require.NoError(t, s.Create(ctx, key, []byte(`{"v":1}`)))
		assert.ErrorIs(t, s.Create(ctx, key, []byte(`{"v":2}`)), store.ErrExists)

		require.NoError(t, s.Update(ctx, key, []byte(`{"v":3}`)))
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":3}`, string(got))

		require.NoError(t, s.Remove(ctx, key))
		require.NoError(t, s.Remove(ctx, key))
		ok, err = s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list by kind", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, store.Key(store.KindSession, "b"), []byte(`1`)))
		require.NoError(t, s.Create(ctx, store.Key(store.KindSession, "a"), []byte(`1`)))
		require.NoError(t, s.Create(ctx, store.Key(store.KindParticipant, "p"), []byte(`1`)))
		keys, err := s.List(ctx, store.KindSession)
		require.NoError(t, err)
		assert.Equal(t, []string{"session:a", "session:b"}, keys)
		for _, k := range []string{"session:a", "session:b", "participant:p"} {
			require.NoError(t, s.Remove(ctx, k))
		}
	})

	t.Run("mutate serializes", func(t *testing.T) {
		counter := store.Key(store.KindSession, "counter")
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Mutate(ctx, counter, func(old []byte) ([]byte, error) {
					n := 0
					if old != nil {
						n, _ = strconv.Atoi(string(old))
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, counter)
		require.NoError(t, err)
		assert.Equal(t, "20", string(got))

		boom := errors.New("boom")
		err = s.Mutate(ctx, counter, func([]byte) ([]byte, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		got, _ = s.Get(ctx, counter)
		assert.Equal(t, "20", string(got), "failed mutation leaves value untouched")

		require.NoError(t, s.Mutate(ctx, counter, func([]byte) ([]byte, error) { return nil, nil }))
		ok, err := s.Exists(ctx, counter)
		require.NoError(t, err)
		assert.False(t, ok, "nil result removes the key")
	})
}
