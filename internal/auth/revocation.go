/**
 * @description
 * Revocation stores remember the ids (jti) of tokens that were logged out
 * before they expired. An entry only has to live as long as the token itself.
 *
 * @notes
 * - RedisRevocationStore is used when REDIS_URL is configured so that every
 *   instance sees the same revocations. Keys expire together with the token.
 * - MemoryRevocationStore is swept periodically by the scheduler.
 */
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore records revoked token ids until their expiry.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevocationStore keeps revocations in process memory.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewMemoryRevocationStore creates an empty in-memory store.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{revoked: make(map[string]time.Time)}
}

func (s *MemoryRevocationStore) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[tokenID] = expiresAt
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[tokenID]
	return ok, nil
}

// Sweep drops entries whose token has expired and returns how many were removed.
func (s *MemoryRevocationStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked revocations.
func (s *MemoryRevocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revoked)
}

// RedisRevocationStore keeps revocations in Redis.
type RedisRevocationStore struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisRevocationStore creates a store that writes keys below keyPrefix.
func NewRedisRevocationStore(client *redis.Client, keyPrefix string) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *RedisRevocationStore) key(tokenID string) string {
	return s.keyPrefix + ":revoked:" + tokenID
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key(tokenID), "1", ttl).Err()
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
