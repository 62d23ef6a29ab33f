// Package keystoretest holds a conformance suite run against both keystore backends, per
// SPEC_FULL.md §9 ("tests must run against both").
package keystoretest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubuygold/gkeyproxy/internal/keystore"
)

// RunConformance exercises every operation of keystore.Store against a fresh instance supplied
// by newStore, asserting the round-trip laws and invariants from SPEC_FULL.md §8.
func RunConformance(t *testing.T, newStore func(t *testing.T) keystore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("fresh key is selectable", func(t *testing.T) {
		s := newStore(t)
		ok, err := keystore.Selectable(ctx, s, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("block then is_blocked before expiry then after", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Block(ctx, "k1", 80*time.Millisecond))

		blocked, err := s.IsBlocked(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, blocked)

		time.Sleep(120 * time.Millisecond)

		blocked, err = s.IsBlocked(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("block does not shorten an existing longer block", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Block(ctx, "k1", 500*time.Millisecond))
		require.NoError(t, s.Block(ctx, "k1", 10*time.Millisecond))

		time.Sleep(50 * time.Millisecond)

		blocked, err := s.IsBlocked(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, blocked, "shorter block must not override the longer one")
	})

	t.Run("clear_block removes the block immediately", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Block(ctx, "k1", time.Minute))
		require.NoError(t, s.ClearBlock(ctx, "k1"))

		blocked, err := s.IsBlocked(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("mark_invalid is idempotent and permanent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.MarkInvalid(ctx, "k1"))
		require.NoError(t, s.MarkInvalid(ctx, "k1"))

		invalid, err := s.IsInvalid(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, invalid)

		selectable, err := keystore.Selectable(ctx, s, "k1")
		require.NoError(t, err)
		assert.False(t, selectable)
	})

	t.Run("next_cursor returns distinct consecutive integers", func(t *testing.T) {
		s := newStore(t)
		seen := make(map[uint64]bool)
		for i := 0; i < 20; i++ {
			n, err := s.NextCursor(ctx, "group-a")
			require.NoError(t, err)
			assert.False(t, seen[n], "cursor value %d repeated", n)
			seen[n] = true
		}
		assert.Len(t, seen, 20)
	})

	t.Run("cursors are independent per group", func(t *testing.T) {
		s := newStore(t)
		a1, err := s.NextCursor(ctx, "a")
		require.NoError(t, err)
		b1, err := s.NextCursor(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), a1)
		assert.Equal(t, uint64(1), b1)
	})

	t.Run("next_cursor under concurrent contention yields N distinct values", func(t *testing.T) {
		s := newStore(t)
		const n = 50
		results := make(chan uint64, n)
		for i := 0; i < n; i++ {
			go func() {
				v, err := s.NextCursor(ctx, "concurrent")
				require.NoError(t, err)
				results <- v
			}()
		}
		seen := make(map[uint64]bool)
		for i := 0; i < n; i++ {
			v := <-results
			seen[v] = true
		}
		assert.Len(t, seen, n)
	})
}
