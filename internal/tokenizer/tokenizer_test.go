package tokenizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEstimator(t *testing.T) {
	t.Run("empty text yields zero tokens", func(t *testing.T) {
		n, err := DefaultEstimator(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("single word yields at least one token", func(t *testing.T) {
		n, err := DefaultEstimator(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("scales roughly with word count", func(t *testing.T) {
		n, err := DefaultEstimator(context.Background(), "the quick brown fox jumps over the lazy dog")
		require.NoError(t, err)
		assert.Equal(t, 11, n) // 9 words * 1.3 truncated
	})

	t.Run("punctuation does not inflate the word count", func(t *testing.T) {
		n, err := DefaultEstimator(context.Background(), "hello, world!!!")
		require.NoError(t, err)
		assert.Equal(t, 2, n) // 2 words * 1.3 truncated
	})
}
