// Package breaker maintains one circuit breaker per upstream target URL, per SPEC_FULL.md §4.4.
// Each breaker is a github.com/sony/gobreaker instance; Registry owns the map from target URL to
// breaker and builds entries lazily on first use.
package breaker

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/metrics"
)

// ErrOpen is returned by Call when the breaker for a target refuses the call outright. It is
// distinct from any upstream failure: the RetryDriver must not charge it against a key's retry
// budget or failure count.
var ErrOpen = errors.New("circuit breaker open")

// Registry is a per-target-URL collection of circuit breakers, safe for concurrent use.
type Registry struct {
	cfg      config.CircuitBreakerConfig
	metrics  *metrics.Metrics
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds an empty Registry parameterized by cfg. m may be nil in tests that don't
// care about the circuit_breaker_state gauge.
func NewRegistry(cfg config.CircuitBreakerConfig, m *metrics.Metrics) *Registry {
	return &Registry{cfg: cfg, metrics: m, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *Registry) breakerFor(target string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[target]; ok {
		return b
	}

	threshold := r.cfg.FailureThreshold
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: target,
		// MaxRequests lets up to success_threshold half-open trial calls through concurrently
		// rather than a single probe at a time; gobreaker has no "exactly one" half-open mode.
		MaxRequests: r.cfg.SuccessThreshold,
		Timeout:     r.cfg.RecoveryTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	r.breakers[target] = b
	return b
}

// Call executes fn through the breaker for target. If the breaker is open, fn is not invoked
// and ErrOpen is returned. Any other error returned by fn is recorded as a breaker failure; a
// nil error is recorded as a breaker success.
func (r *Registry) Call(_ context.Context, target string, fn func() error) error {
	b := r.breakerFor(target)
	_, err := b.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if r.metrics != nil {
		r.metrics.SetCircuitBreakerState(target, phaseOf(b.State()))
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

func phaseOf(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// State reports the current phase of the breaker for target, for the §6 readiness endpoint.
// Unknown targets are reported as closed, since no breaker has been created for them yet.
func (r *Registry) State(target string) string {
	r.mu.Lock()
	b, ok := r.breakers[target]
	r.mu.Unlock()
	if !ok {
		return "closed"
	}
	return phaseOf(b.State())
}

// Snapshot returns the phase of every breaker created so far, keyed by target URL.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for target, b := range r.breakers {
		out[target] = phaseOf(b.State())
	}
	return out
}
