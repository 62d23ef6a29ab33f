// Package retrydriver implements the top-level orchestration loop: ask KeyManager for a key,
// call Forwarder through the circuit breaker, feed the result back to KeyManager, and act on
// the returned Action until the request succeeds, is returned to the client as-is, or exhausts
// its retry budget.
package retrydriver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ubuygold/gkeyproxy/internal/breaker"
	"github.com/ubuygold/gkeyproxy/internal/config"
	"github.com/ubuygold/gkeyproxy/internal/forwarder"
	"github.com/ubuygold/gkeyproxy/internal/keymanager"
	"github.com/ubuygold/gkeyproxy/internal/metrics"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

// ErrNoAvailableKeys maps to the 503 NoAvailableKeys response of SPEC_FULL.md §7: either every
// key in the group was unselectable, or the retry budget was exhausted before a terminal result
// was reached.
var ErrNoAvailableKeys = errors.New("no available keys")

// ErrCircuitOpen maps to the 503 CircuitOpen response of SPEC_FULL.md §7. Unlike
// ErrNoAvailableKeys it is surfaced immediately: it neither blocks a key nor consumes retry
// budget, per SPEC_FULL.md §4.4.
var ErrCircuitOpen = errors.New("circuit open")

// sameKeyRetries and sameKeyDelay implement the bounded in-request retry for 500/503 responses
// described in SPEC_FULL.md §4.2 and resolved by §9's open question: 2 retries, fixed 1-second
// delay.
const (
	sameKeyRetries = 2
	sameKeyDelay   = time.Second
)

// Thresholds parameterizes a Driver with the configured defaults from SPEC_FULL.md §6.
type Thresholds struct {
	MaxRequestRetries    int
	DefaultBlockDuration time.Duration // temporary_block_minutes, used by BlockAndRotate
	ShortBlockDuration   time.Duration // temporary_block_minutes, used after RetrySameKey exhaustion per §9
	RetryAfterCeiling    time.Duration
}

// Request is everything the Driver needs to forward and, on failure, retry a single inbound
// call.
type Request struct {
	Group  config.Group
	Keys   []secret.Value
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Outcome is either a response to relay to the client (possibly verbatim from upstream) or a
// terminal proxy-generated error.
type Outcome struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// Driver wires a KeyManager, a CircuitBreaker registry, and a Forwarder into the orchestration
// loop of SPEC_FULL.md §4.6.
type Driver struct {
	manager    *keymanager.Manager
	breakers   *breaker.Registry
	forwarder  *forwarder.Forwarder
	metrics    *metrics.Metrics
	thresholds Thresholds
}

// New builds a Driver.
func New(manager *keymanager.Manager, breakers *breaker.Registry, fwd *forwarder.Forwarder, m *metrics.Metrics, thresholds Thresholds) *Driver {
	return &Driver{manager: manager, breakers: breakers, forwarder: fwd, metrics: m, thresholds: thresholds}
}

// Do runs the loop of SPEC_FULL.md §4.6 to completion: select a key, forward, classify, apply,
// and act on the Action, until a terminal Outcome is reached.
func (d *Driver) Do(ctx context.Context, req Request) Outcome {
	start := time.Now()
	outcome := d.run(ctx, req)
	if d.metrics != nil {
		d.metrics.ObserveRequest(outcomeStatusLabel(outcome), time.Since(start))
	}
	return outcome
}

func (d *Driver) run(ctx context.Context, req Request) Outcome {
	remainingKeyAttempts := len(req.Keys)
	remainingBudget := d.thresholds.MaxRequestRetries

	for {
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err()}
		}

		key, err := d.manager.Select(ctx, req.Group.Name, req.Keys)
		if err != nil {
			return Outcome{Err: ErrNoAvailableKeys}
		}

		result, cbErr := d.call(ctx, req, key)
		if errors.Is(cbErr, breaker.ErrOpen) {
			return Outcome{Err: ErrCircuitOpen}
		}

		classification := d.classify(result)

		switch classification.Action {
		case keymanager.ActionSuccess, keymanager.ActionReturnToClient:
			_ = d.manager.Apply(ctx, key, classification)
			d.setKeyHealth(req, key, true)
			return resultOutcome(result)

		case keymanager.ActionMarkInvalidAndRotate:
			_ = d.manager.Apply(ctx, key, classification)
			d.setKeyHealth(req, key, false)
			remainingKeyAttempts--

		case keymanager.ActionBlockAndRotate:
			_ = d.manager.Apply(ctx, key, classification)
			d.setKeyHealth(req, key, false)

		case keymanager.ActionWaitThenRetry:
			_ = d.manager.Apply(ctx, key, classification)
			d.setKeyHealth(req, key, false)
			if err := sleep(ctx, classification.Duration); err != nil {
				return Outcome{Err: err}
			}

		case keymanager.ActionRetrySameKey:
			if out, ok := d.retrySameKey(ctx, req, key); ok {
				return out
			}
			_ = d.manager.Apply(ctx, key, keymanager.Classification{
				Action:   keymanager.ActionBlockAndRotate,
				Duration: d.thresholds.ShortBlockDuration,
			})
			d.setKeyHealth(req, key, false)

		case keymanager.ActionRetryNextKey:
			// Transport error: no key-state change, just rotate.

		default:
			return Outcome{Err: fmt.Errorf("unrecognized action %v", classification.Action)}
		}

		if remainingKeyAttempts <= 0 || remainingBudget <= 0 {
			return Outcome{Err: ErrNoAvailableKeys}
		}
		remainingBudget--
	}
}

// retrySameKey performs the bounded in-request retry for ActionRetrySameKey: up to
// sameKeyRetries attempts against the same key, each preceded by sameKeyDelay, reclassifying
// each attempt so a recovered upstream short-circuits back to success.
func (d *Driver) retrySameKey(ctx context.Context, req Request, key secret.Value) (Outcome, bool) {
	for i := 0; i < sameKeyRetries; i++ {
		if err := sleep(ctx, sameKeyDelay); err != nil {
			return Outcome{Err: err}, true
		}

		result, cbErr := d.call(ctx, req, key)
		if errors.Is(cbErr, breaker.ErrOpen) {
			return Outcome{Err: ErrCircuitOpen}, true
		}

		classification := d.classify(result)
		switch classification.Action {
		case keymanager.ActionSuccess, keymanager.ActionReturnToClient:
			_ = d.manager.Apply(ctx, key, classification)
			d.setKeyHealth(req, key, true)
			return resultOutcome(result), true
		}
	}
	return Outcome{}, false
}

// setKeyHealth reports the key_health_score gauge after a selection/classification cycle
// decides whether key is still usable. A no-op when the Driver was built without a Metrics
// instance, as in tests that don't care about the series.
func (d *Driver) setKeyHealth(req Request, key secret.Value, healthy bool) {
	if d.metrics == nil {
		return
	}
	d.metrics.SetKeyHealth(keymanager.KeyID(key), req.Group.Name, healthy)
}

// call executes one forwarded attempt through the per-target circuit breaker. A transport
// failure or any 5xx response counts against the breaker; 2xx-4xx responses (including the ones
// KeyManager will classify as key failures, e.g. 401/403/429) do not, since those are credential
// or client-rate problems, not signals that the upstream endpoint itself is unhealthy.
func (d *Driver) call(ctx context.Context, req Request, key secret.Value) (forwarder.Result, error) {
	var result forwarder.Result
	cbErr := d.breakers.Call(ctx, req.Group.TargetURL, func() error {
		result = d.forwarder.Send(ctx, req.Group, key, req.Method, req.Path, req.Header, req.Body)
		if result.Err != nil {
			return result.Err
		}
		if result.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("upstream status %d", result.StatusCode)
		}
		return nil
	})
	return result, cbErr
}

func (d *Driver) classify(result forwarder.Result) keymanager.Classification {
	in := keymanager.ClassifyInput{
		StatusCode:           result.StatusCode,
		Body:                 result.Body,
		TransportErr:         result.Err != nil,
		Now:                  time.Now(),
		DefaultBlockDuration: d.thresholds.DefaultBlockDuration,
		RetryAfterCeiling:    d.thresholds.RetryAfterCeiling,
	}
	if result.Header != nil {
		in.RetryAfter = result.Header.Get("Retry-After")
	}
	return keymanager.Classify(in)
}

func resultOutcome(result forwarder.Result) Outcome {
	return Outcome{StatusCode: result.StatusCode, Header: result.Header, Body: result.Body}
}

// sleep blocks for d, returning ctx's error early if it is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcomeStatusLabel(o Outcome) string {
	switch {
	case errors.Is(o.Err, ErrNoAvailableKeys):
		return "503"
	case errors.Is(o.Err, ErrCircuitOpen):
		return "503"
	case o.Err != nil:
		return "error"
	default:
		return fmt.Sprintf("%d", o.StatusCode)
	}
}
