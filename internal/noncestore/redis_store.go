package noncestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sessionpay:nonce:"

// releaseScript deletes a nonce key only while it is still pending, so a
// racing Confirm cannot be undone by a late Release.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, 8) == 'pending:' then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore is a Store backed by a shared Redis instance, for running
// more than one service instance. Claims use SETNX so the claim stays
// atomic across instances; TTL eviction is delegated to Redis key expiry.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed nonce store. A ttl of 0 uses
// DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(nonce string) string {
	return redisKeyPrefix + nonce
}

func (s *RedisStore) Claim(ctx context.Context, nonce, payer string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(nonce), "pending:"+payer, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("noncestore: redis claim: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Confirm(ctx context.Context, nonce string) error {
	val, err := s.client.Get(ctx, s.key(nonce)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("noncestore: redis confirm: %w", err)
	}
	if !strings.HasPrefix(val, "pending:") {
		return nil
	}
	payer := strings.TrimPrefix(val, "pending:")
	// KeepTTL preserves the original eviction deadline set at claim time.
	if err := s.client.Set(ctx, s.key(nonce), "confirmed:"+payer, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("noncestore: redis confirm: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, nonce string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(nonce)}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("noncestore: redis release: %w", err)
	}
	return nil
}

func (s *RedisStore) IsClaimed(ctx context.Context, nonce string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("noncestore: redis exists: %w", err)
	}
	return n > 0, nil
}
