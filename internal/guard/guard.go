// Package guard implements RequestGuard: the pre-forward fail-fast validation described by
// SPEC_FULL.md §4.3. It never rewrites semantic fields; it only rejects oversized or
// over-budget requests and, optionally, injects a configured default top_p.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ubuygold/gkeyproxy/internal/metrics"
	"github.com/ubuygold/gkeyproxy/internal/tokenizer"
)

// ErrPayloadTooLarge maps to the 413 response of SPEC_FULL.md §7.
var ErrPayloadTooLarge = errors.New("payload too large")

// RequestTooLargeError maps to the 400 RequestTooLarge response of SPEC_FULL.md §7. It carries
// the measured token count so the handler can surface it in the problem-details body.
type RequestTooLargeError struct {
	TokenCount int
	Limit      int
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("request_too_large: %d tokens exceeds limit of %d", e.TokenCount, e.Limit)
}

// Config parameterizes the guard from SPEC_FULL.md §6's server.* options.
type Config struct {
	MaxRequestBytes     int64
	MaxTokensPerRequest int
	TopP                float64
	InjectTopP          bool
}

// Guard runs the pre-forward checks.
type Guard struct {
	cfg       Config
	countTok  tokenizer.Func
	metrics   *metrics.Metrics
}

// New builds a Guard. countTok is the tokenizer collaborator; pass tokenizer.DefaultEstimator
// when no production tokenizer is configured.
func New(cfg Config, countTok tokenizer.Func, m *metrics.Metrics) *Guard {
	return &Guard{cfg: cfg, countTok: countTok, metrics: m}
}

// extractText pulls the OpenAI-style message contents out of a decoded request body, matching
// the shape RequestGuard needs for token counting without interpreting the body semantically
// any further.
func extractText(body map[string]any) string {
	messages, ok := body["messages"].([]any)
	if !ok {
		return ""
	}
	text := ""
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			text += content + " "
		}
	}
	return text
}

// Check runs the full gate over a request body and returns the (possibly top_p-injected) body
// bytes to forward, or an error: ErrPayloadTooLarge, *RequestTooLargeError, or a wrapped
// tokenizer or re-marshal error. A body that is not a JSON object is forwarded unchanged.
func (g *Guard) Check(ctx context.Context, rawBody []byte) ([]byte, error) {
	if g.cfg.MaxRequestBytes > 0 && int64(len(rawBody)) > g.cfg.MaxRequestBytes {
		return nil, ErrPayloadTooLarge
	}

	if len(rawBody) == 0 {
		return rawBody, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		// Not JSON, or not an object: nothing further to gate on; forward unchanged.
		return rawBody, nil
	}

	text := extractText(decoded)
	count, err := g.countTok(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	if g.metrics != nil {
		g.metrics.ObserveRequestTokenCount(count)
	}
	if g.cfg.MaxTokensPerRequest > 0 && count > g.cfg.MaxTokensPerRequest {
		if g.metrics != nil {
			g.metrics.IncTokenLimitBlock()
		}
		return nil, &RequestTooLargeError{TokenCount: count, Limit: g.cfg.MaxTokensPerRequest}
	}

	if g.cfg.InjectTopP {
		if _, present := decoded["top_p"]; !present {
			decoded["top_p"] = g.cfg.TopP
			injected, err := json.Marshal(decoded)
			if err != nil {
				return nil, fmt.Errorf("re-marshal after top_p injection: %w", err)
			}
			return injected, nil
		}
	}

	return rawBody, nil
}
