// Package secret wraps credential material so it cannot accidentally leak into logs, error
// messages, or metric labels.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
)

const redactedPlaceholder = "[REDACTED]"

// Value holds a secret string. Its zero value is an empty secret. Every accessor other than
// Reveal returns the preview form; Reveal is the single auditable escape hatch and must only be
// called at the point a secret is placed on the wire (an HTTP header) or hashed for storage.
type Value struct {
	raw string
}

// New wraps a plaintext secret.
func New(raw string) Value {
	return Value{raw: raw}
}

// Reveal returns the plaintext. Call sites of this method are the only places the raw key may
// be observed; every other accessor on Value returns the preview form.
func (v Value) Reveal() string {
	return v.raw
}

// Empty reports whether the secret holds no material.
func (v Value) Empty() bool {
	return v.raw == ""
}

// ID derives the keystore identifier for this secret: a SHA-256 digest of the plaintext, hex
// encoded. Every caller that needs to name a key's record in a keystore.Store, KeyManager and
// the healthcheck sweeper alike, goes through this method rather than Reveal, so the plaintext
// key never becomes a Redis key name or map key verbatim.
func (v Value) ID() string {
	sum := sha256.Sum256([]byte(v.raw))
	return hex.EncodeToString(sum[:])
}

// Preview renders the first four and last four characters of the secret, matching the
// diagnostic form required wherever a key must be referenced in logs or error text. Secrets of
// eight characters or fewer are fully redacted since a partial preview would disclose most of
// the material.
func (v Value) Preview() string {
	if len(v.raw) <= 8 {
		return redactedPlaceholder
	}
	return v.raw[:4] + "..." + v.raw[len(v.raw)-4:]
}

// String implements fmt.Stringer, so a bare %v or %s on a Value never prints the plaintext.
func (v Value) String() string {
	return v.Preview()
}

// GoString implements fmt.GoStringer, covering %#v.
func (v Value) GoString() string {
	return v.Preview()
}

// MarshalJSON ensures a Value serialized into an API response or log entry carries only the
// preview form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Preview())
}

// LogValue implements slog.LogValuer so a Value passed directly as a log attribute is rendered
// through Preview rather than via reflection over the unexported field.
func (v Value) LogValue() slog.Value {
	return slog.StringValue(v.Preview())
}
