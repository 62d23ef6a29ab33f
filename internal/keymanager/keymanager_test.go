package keymanager

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubuygold/gkeyproxy/internal/keystore/memstore"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

func TestManager_Select_RoundRobinWithSkip(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := New(store)
	keys := []secret.Value{secret.New("k1"), secret.New("k2"), secret.New("k3")}

	require.NoError(t, store.MarkInvalid(ctx, secret.New("k2").ID()))

	seen := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		k, err := m.Select(ctx, "g", keys)
		require.NoError(t, err)
		seen = append(seen, k.Reveal())
	}
	for _, s := range seen {
		assert.NotEqual(t, "k2", s, "invalid key must never be selected")
	}
}

func TestManager_Select_AllUnavailable(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := New(store)
	keys := []secret.Value{secret.New("k1")}
	require.NoError(t, store.MarkInvalid(ctx, secret.New("k1").ID()))

	_, err := m.Select(ctx, "g", keys)
	assert.ErrorIs(t, err, ErrAllUnavailable)
}

func TestManager_Select_NoKeys(t *testing.T) {
	store := memstore.New()
	m := New(store)
	_, err := m.Select(context.Background(), "g", nil)
	assert.ErrorIs(t, err, ErrAllUnavailable)
}

func TestClassify_Success(t *testing.T) {
	c := Classify(ClassifyInput{StatusCode: 200})
	assert.Equal(t, ActionSuccess, c.Action)
}

func TestClassify_SafetyFilterOverridesSuccess(t *testing.T) {
	body := []byte(`{"candidates":[{"finishReason":"SAFETY"}]}`)
	c := Classify(ClassifyInput{StatusCode: 200, Body: body})
	assert.Equal(t, ActionReturnToClient, c.Action)
}

func TestClassify_OpenAIShapeSafetyFilter(t *testing.T) {
	body := []byte(`{"choices":[{"finish_reason":"content_filter"}]}`)
	c := Classify(ClassifyInput{StatusCode: 200, Body: body})
	assert.Equal(t, ActionReturnToClient, c.Action)
}

func TestClassify_PassThroughStatuses(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout} {
		c := Classify(ClassifyInput{StatusCode: status})
		assert.Equalf(t, ActionReturnToClient, c.Action, "status %d", status)
	}
}

func TestClassify_InvalidCredential(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := Classify(ClassifyInput{StatusCode: status})
		assert.Equalf(t, ActionMarkInvalidAndRotate, c.Action, "status %d", status)
	}
}

func TestClassify_RateLimitWithRetryAfterSeconds(t *testing.T) {
	c := Classify(ClassifyInput{
		StatusCode:        http.StatusTooManyRequests,
		RetryAfter:        "5",
		Now:               time.Now(),
		RetryAfterCeiling: time.Hour,
	})
	assert.Equal(t, ActionWaitThenRetry, c.Action)
	assert.Equal(t, 5*time.Second, c.Duration)
}

func TestClassify_RateLimitZeroRetryAfterClampsToOneSecond(t *testing.T) {
	c := Classify(ClassifyInput{
		StatusCode:        http.StatusTooManyRequests,
		RetryAfter:        "0",
		Now:               time.Now(),
		RetryAfterCeiling: time.Hour,
	})
	assert.Equal(t, ActionWaitThenRetry, c.Action)
	assert.Equal(t, time.Second, c.Duration)
}

func TestClassify_RateLimitRetryAfterClampedToCeiling(t *testing.T) {
	c := Classify(ClassifyInput{
		StatusCode:        http.StatusTooManyRequests,
		RetryAfter:        "7200",
		Now:               time.Now(),
		RetryAfterCeiling: time.Hour,
	})
	assert.Equal(t, ActionWaitThenRetry, c.Action)
	assert.Equal(t, time.Hour, c.Duration)
}

func TestClassify_RateLimitWithoutRetryAfterBlocksAndRotates(t *testing.T) {
	c := Classify(ClassifyInput{
		StatusCode:           http.StatusTooManyRequests,
		DefaultBlockDuration: 10 * time.Minute,
	})
	assert.Equal(t, ActionBlockAndRotate, c.Action)
	assert.Equal(t, 10*time.Minute, c.Duration)
}

func TestClassify_ServerErrorsRetrySameKey(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable} {
		c := Classify(ClassifyInput{StatusCode: status})
		assert.Equalf(t, ActionRetrySameKey, c.Action, "status %d", status)
	}
}

func TestClassify_TransportError(t *testing.T) {
	c := Classify(ClassifyInput{TransportErr: true})
	assert.Equal(t, ActionRetryNextKey, c.Action)
}

func TestManager_Apply_SuccessClearsBlock(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := New(store)
	key := secret.New("k1")

	require.NoError(t, store.Block(ctx, key.ID(), time.Minute))
	require.NoError(t, m.Apply(ctx, key, Classification{Action: ActionSuccess}))

	blocked, err := store.IsBlocked(ctx, key.ID())
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestManager_Apply_MarkInvalid(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := New(store)
	key := secret.New("k1")

	require.NoError(t, m.Apply(ctx, key, Classification{Action: ActionMarkInvalidAndRotate}))

	invalid, err := store.IsInvalid(ctx, key.ID())
	require.NoError(t, err)
	assert.True(t, invalid)
}

func TestManager_Apply_BlockAndRotate(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := New(store)
	key := secret.New("k1")

	require.NoError(t, m.Apply(ctx, key, Classification{Action: ActionBlockAndRotate, Duration: time.Minute}))

	blocked, err := store.IsBlocked(ctx, key.ID())
	require.NoError(t, err)
	assert.True(t, blocked)
}
