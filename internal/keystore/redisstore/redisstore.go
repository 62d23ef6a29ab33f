// Package redisstore is the distributed keystore.Store implementation, backed by Redis via
// github.com/redis/go-redis/v9. Rotation cursors and key state survive process restarts, per
// SPEC_FULL.md §3.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements keystore.Store against a Redis server.
type Store struct {
	client *redis.Client
	prefix string
}

// New builds a Store from a redis:// URL and a namespacing prefix so multiple deployments can
// share one backing store without colliding.
func New(redisURL, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts), prefix: prefix}, nil
}

// NewFromClient builds a Store around an already-constructed client, used by tests against
// miniredis.
func NewFromClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) cursorKey(group string) string {
	return fmt.Sprintf("%s:cursor:%s", s.prefix, group)
}

func (s *Store) blockKey(keyID string) string {
	return fmt.Sprintf("%s:block:%s", s.prefix, keyID)
}

func (s *Store) invalidKey(keyID string) string {
	return fmt.Sprintf("%s:invalid:%s", s.prefix, keyID)
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) NextCursor(ctx context.Context, group string) (uint64, error) {
	n, err := s.client.Incr(ctx, s.cursorKey(group)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr cursor: %w", err)
	}
	return uint64(n), nil
}

func (s *Store) IsBlocked(ctx context.Context, keyID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.blockKey(keyID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists block: %w", err)
	}
	return n > 0, nil
}

// Block sets a TTL-bearing block record. Redis expires the record natively; if an existing
// record would outlast the new TTL, the existing (longer) expiry is left untouched.
func (s *Store) Block(ctx context.Context, keyID string, ttl time.Duration) error {
	key := s.blockKey(keyID)

	existingTTL, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis pttl block: %w", err)
	}
	if existingTTL > ttl {
		return nil
	}
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set block: %w", err)
	}
	return nil
}

func (s *Store) ClearBlock(ctx context.Context, keyID string) error {
	if err := s.client.Del(ctx, s.blockKey(keyID)).Err(); err != nil {
		return fmt.Errorf("redis del block: %w", err)
	}
	return nil
}

// MarkInvalid sets a persistent (no-TTL) marker. Idempotent: repeated calls are a no-op SET.
func (s *Store) MarkInvalid(ctx context.Context, keyID string) error {
	if err := s.client.Set(ctx, s.invalidKey(keyID), "1", 0).Err(); err != nil {
		return fmt.Errorf("redis set invalid: %w", err)
	}
	return nil
}

func (s *Store) IsInvalid(ctx context.Context, keyID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.invalidKey(keyID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists invalid: %w", err)
	}
	return n > 0, nil
}
