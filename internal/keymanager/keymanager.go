// Package keymanager implements the pure key-selection and response-classification logic of
// SPEC_FULL.md §4.2: select the next usable key in a group, classify an upstream response into
// an Action, and apply that Action's side effects to the KeyStore. The rotation policy itself
// (group-round-robin-with-skip) is the default implementation of a pluggable Selector contract,
// per SPEC_FULL.md §9.
package keymanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ubuygold/gkeyproxy/internal/keystore"
	"github.com/ubuygold/gkeyproxy/internal/secret"
)

// ErrAllUnavailable is returned by Select when every key in a group is invalid or blocked.
var ErrAllUnavailable = errors.New("all keys unavailable")

// Action is the classification verdict for one upstream response, consumed by RetryDriver.
type Action int

const (
	ActionSuccess Action = iota
	ActionReturnToClient
	ActionMarkInvalidAndRotate
	ActionWaitThenRetry
	ActionBlockAndRotate
	ActionRetrySameKey
	ActionRetryNextKey
)

func (a Action) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionReturnToClient:
		return "return_to_client"
	case ActionMarkInvalidAndRotate:
		return "mark_invalid_and_rotate"
	case ActionWaitThenRetry:
		return "wait_then_retry"
	case ActionBlockAndRotate:
		return "block_and_rotate"
	case ActionRetrySameKey:
		return "retry_same_key"
	case ActionRetryNextKey:
		return "retry_next_key"
	default:
		return "unknown"
	}
}

// Classification is the result of Classify: an Action plus any duration the action carries (the
// block/wait duration for WaitThenRetry and BlockAndRotate).
type Classification struct {
	Action   Action
	Duration time.Duration
}

// Manager wires a keystore.Store to the pure selection/classification logic. The block/retry
// durations applied to that store come from the Classification RetryDriver passes to Apply, not
// from any state held here, so Manager carries no configuration of its own.
type Manager struct {
	store keystore.Store
}

// New builds a Manager over store.
func New(store keystore.Store) *Manager {
	return &Manager{store: store}
}

// Select scans up to len(keys) candidates starting at the group's rotation cursor and returns
// the first selectable one, per SPEC_FULL.md §4.2.
func (m *Manager) Select(ctx context.Context, group string, keys []secret.Value) (secret.Value, error) {
	if len(keys) == 0 {
		return secret.Value{}, ErrAllUnavailable
	}

	cursor, err := m.store.NextCursor(ctx, group)
	if err != nil {
		return secret.Value{}, fmt.Errorf("next cursor: %w", err)
	}

	// NextCursor returns the post-increment value (1 on a group's first call); scanning from the
	// pre-increment value makes the first selection in a group start at keys[0].
	start := cursor - 1
	n := uint64(len(keys))
	for i := uint64(0); i < n; i++ {
		idx := (start + i) % n
		candidate := keys[idx]
		ok, err := keystore.Selectable(ctx, m.store, keyID(candidate))
		if err != nil {
			return secret.Value{}, fmt.Errorf("checking selectability: %w", err)
		}
		if ok {
			return candidate, nil
		}
	}
	return secret.Value{}, ErrAllUnavailable
}

// keyID derives the keystore identifier for a key. Delegated to secret.Value.ID so the
// healthcheck sweeper, which looks up the same record by its own copy of the key, computes an
// identical identifier.
func keyID(k secret.Value) string {
	return k.ID()
}

// KeyID exposes the same identifier to callers outside this package that need a stable,
// non-secret reference to a key, such as a metric label or log field, without touching the store.
func KeyID(k secret.Value) string {
	return keyID(k)
}

// ClassifyInput is everything Classify needs about one upstream attempt.
type ClassifyInput struct {
	StatusCode           int
	RetryAfter           string // raw Retry-After header value, if any
	Body                 []byte
	TransportErr         bool
	Now                  time.Time
	DefaultBlockDuration time.Duration
	RetryAfterCeiling    time.Duration
}

// Classify is the pure function of SPEC_FULL.md §4.2's classification table.
func Classify(in ClassifyInput) Classification {
	switch {
	case in.TransportErr:
		return Classification{Action: ActionRetryNextKey}

	case in.StatusCode >= 200 && in.StatusCode < 300:
		if isSafetyFilterBlocked(in.Body) {
			return Classification{Action: ActionReturnToClient}
		}
		return Classification{Action: ActionSuccess}

	case in.StatusCode == http.StatusBadRequest,
		in.StatusCode == http.StatusNotFound,
		in.StatusCode == http.StatusGatewayTimeout:
		return Classification{Action: ActionReturnToClient}

	case in.StatusCode == http.StatusUnauthorized, in.StatusCode == http.StatusForbidden:
		return Classification{Action: ActionMarkInvalidAndRotate}

	case in.StatusCode == http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(in.RetryAfter, in.Now); ok {
			return Classification{Action: ActionWaitThenRetry, Duration: clampRetryAfter(d, in.RetryAfterCeiling)}
		}
		return Classification{Action: ActionBlockAndRotate, Duration: in.DefaultBlockDuration}

	case in.StatusCode == http.StatusInternalServerError, in.StatusCode == http.StatusServiceUnavailable:
		return Classification{Action: ActionRetrySameKey}

	default:
		// Unrecognized status: pass through to the client rather than rotating or retrying on
		// unknown ground.
		return Classification{Action: ActionReturnToClient}
	}
}

// parseRetryAfter parses either delta-seconds or an HTTP-date Retry-After value. A
// "Retry-After: 0" is treated as a minimum one-second block per SPEC_FULL.md §4.2.
func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		d := time.Duration(secs) * time.Second
		if d <= 0 {
			d = time.Second
		}
		return d, true
	}
	if when, err := http.ParseTime(raw); err == nil {
		d := when.Sub(now)
		if d <= 0 {
			d = time.Second
		}
		return d, true
	}
	return 0, false
}

func clampRetryAfter(d, ceiling time.Duration) time.Duration {
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// isSafetyFilterBlocked peeks at the decoded body's top-level finish-reason field, matching
// both the native Gemini shape (candidates[0].finishReason) and the OpenAI-compatible shape
// (choices[0].finish_reason), per SPEC_FULL.md §4.2.
func isSafetyFilterBlocked(body []byte) bool {
	reason, ok := peekFinishReason(body)
	if !ok {
		return false
	}
	switch reason {
	case "SAFETY", "content_filter", "RECITATION":
		return true
	default:
		return false
	}
}

// Apply performs the side effects on the KeyStore implied by a Classification.
func (m *Manager) Apply(ctx context.Context, key secret.Value, c Classification) error {
	id := keyID(key)
	switch c.Action {
	case ActionSuccess:
		return m.store.ClearBlock(ctx, id)
	case ActionMarkInvalidAndRotate:
		return m.store.MarkInvalid(ctx, id)
	case ActionWaitThenRetry, ActionBlockAndRotate:
		return m.store.Block(ctx, id, c.Duration)
	default:
		return nil
	}
}
