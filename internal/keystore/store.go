// Package keystore defines the durable per-key and per-group state contract shared by the
// distributed (Redis) and local (in-process) backends.
package keystore

import (
	"context"
	"time"
)

// Store is the abstract contract of SPEC_FULL.md §4.1. Both implementations (redisstore,
// memstore) satisfy it identically from KeyManager's point of view.
//
// Listing/enumeration operations are deliberately absent from this interface: wildcard scans
// are forbidden in the hot path and are only ever performed by test helpers that reach into a
// concrete backend directly.
type Store interface {
	// NextCursor atomically increments and returns the rotation cursor for group.
	NextCursor(ctx context.Context, group string) (uint64, error)

	// IsBlocked reports whether keyID currently has a non-expired block record.
	IsBlocked(ctx context.Context, keyID string) (bool, error)

	// Block sets a block record for keyID with the given TTL. If a block already exists with a
	// later expiry, the existing expiry is preserved (never shortened).
	Block(ctx context.Context, keyID string, ttl time.Duration) error

	// ClearBlock removes any block record for keyID.
	ClearBlock(ctx context.Context, keyID string) error

	// MarkInvalid sets a permanent invalid marker for keyID. Idempotent.
	MarkInvalid(ctx context.Context, keyID string) error

	// IsInvalid reports whether keyID has been permanently marked invalid.
	IsInvalid(ctx context.Context, keyID string) (bool, error)
}

// Selectable reports whether a key may currently be picked by KeyManager.select, matching
// SPEC_FULL.md §3 invariant 1.
func Selectable(ctx context.Context, s Store, keyID string) (bool, error) {
	invalid, err := s.IsInvalid(ctx, keyID)
	if err != nil {
		return false, err
	}
	if invalid {
		return false, nil
	}
	blocked, err := s.IsBlocked(ctx, keyID)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}
