package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one key per pair: steward:dedup:<source>:<fingerprint>.
// Records never expire.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisStore connects to addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, prefix: "steward:dedup:", clock: time.Now}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Admit implements Store with SETNX.
func (s *RedisStore) Admit(ctx context.Context, source, fingerprint string) (Verdict, error) {
	key := s.prefix + source + ":" + fingerprint
	ok, err := s.client.SetNX(ctx, key, s.clock().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return Duplicate, nil
	}
	return Accepted, nil
}

// Forget implements Store.
func (s *RedisStore) Forget(ctx context.Context, source, fingerprint string) error {
	if err := s.client.Del(ctx, s.prefix+source+":"+fingerprint).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
