package logging

import (
	"context"
	"log/slog"
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// sensitivePatterns matches the shapes of credential material the proxy handles or forwards:
// Google AI Studio keys, generic bearer tokens, and key=... query parameters that upstream
// error bodies sometimes echo back.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[0-9A-Za-z._-]{8,}`),
	regexp.MustCompile(`(?i)key=[0-9A-Za-z._-]{8,}`),
}

// sensitiveAttrKeys lowercased attribute keys whose values are always redacted regardless of
// shape, since their name alone signals they may carry a secret.
var sensitiveAttrKeys = map[string]struct{}{
	"authorization": {},
	"api_key":       {},
	"apikey":        {},
	"secret":        {},
	"token":         {},
	"key":           {},
}

// redactString applies every sensitive pattern to s.
func redactString(s string) string {
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// RedactingHandler wraps an slog.Handler, scrubbing the message and every attribute value
// before delegating to the wrapped handler.
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	record.Message = redactString(record.Message)

	redacted := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func redactAttr(a slog.Attr) slog.Attr {
	lowerKey := a.Key
	if _, sensitive := sensitiveAttrKeys[toLower(lowerKey)]; sensitive {
		if a.Value.Kind() == slog.KindString {
			return slog.String(a.Key, redactedPlaceholder)
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, redactString(a.Value.String()))
	}
	return a
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}
