package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "lessonreel:revoked:"

// RedisRevocationStore shares revocations across gateway replicas.
type RedisRevocationStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisRevocationStore connects to the Redis instance at redisURL.
func NewRedisRevocationStore(redisURL string) (*RedisRevocationStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisRevocationStoreFromClient(redis.NewClient(opt)), nil
}

// NewRedisRevocationStoreFromClient wraps an existing client.
func NewRedisRevocationStoreFromClient(rdb *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{rdb: rdb, now: time.Now}
}

// Revoke stores tokenID with a TTL matching the token's remaining lifetime.
func (s *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, revokedKeyPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether tokenID has been revoked.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("lookup revocation: %w", err)
	}
	return n > 0, nil
}

// Close releases the underlying connection pool.
func (s *RedisRevocationStore) Close() error {
	return s.rdb.Close()
}
