package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/metrics"
)

func testRegistry() *Registry {
	return NewRegistry(config.CircuitBreakerConfig{
		FailureThreshold:    3,
		RecoveryTimeoutSecs: 0, // gobreaker treats 0 as its default 60s open period
		SuccessThreshold:    2,
	}, nil)
}

func TestRegistry_TripsAfterThreshold(t *testing.T) {
	r := testRegistry()
	upstreamErr := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := r.Call(context.Background(), "https://u", func() error { return upstreamErr })
		assert.ErrorIs(t, err, upstreamErr)
	}

	err := r.Call(context.Background(), "https://u", func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, "open", r.State("https://u"))
}

func TestRegistry_StaysOpenBeforeRecoveryTimeout(t *testing.T) {
	r := NewRegistry(config.CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeoutSecs: 60,
		SuccessThreshold:    1,
	}, nil)
	upstreamErr := errors.New("boom")

	err := r.Call(context.Background(), "https://u", func() error { return upstreamErr })
	assert.ErrorIs(t, err, upstreamErr)
	assert.Equal(t, "open", r.State("https://u"))

	// Well within the 60s recovery window: the breaker must keep refusing calls.
	time.Sleep(10 * time.Millisecond)
	err = r.Call(context.Background(), "https://u", func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestRegistry_DistinctBreakersPerTarget(t *testing.T) {
	r := testRegistry()
	upstreamErr := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.Error(t, r.Call(context.Background(), "https://a", func() error { return upstreamErr }))
	}
	assert.Equal(t, "open", r.State("https://a"))
	assert.Equal(t, "closed", r.State("https://b"))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := testRegistry()
	_ = r.Call(context.Background(), "https://a", func() error { return nil })
	snap := r.Snapshot()
	assert.Equal(t, "closed", snap["https://a"])
}

func TestRegistry_ReportsCircuitBreakerStateMetric(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(config.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeoutSecs: 60, SuccessThreshold: 1}, m)
	upstreamErr := errors.New("boom")

	_ = r.Call(context.Background(), "https://a", func() error { return upstreamErr })

	got := testutil.ToFloat64(m.CircuitBreakerStateGauge("https://a"))
	assert.Equal(t, float64(2), got, "tripped breaker should report the open phase (2)")
}
