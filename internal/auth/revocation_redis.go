package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"
)

const defaultRevocationPrefix = "nevis:revoked"

// RedisRevocations shares revocations between instances. Keys carry a native
// TTL equal to the remaining token lifetime, so Prune has nothing to do.
type RedisRevocations struct {
	client red.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRevocations(client red.UniversalClient, keyPrefix string) *RedisRevocations {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}

	return &RedisRevocations{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisRevocations) WithClock(clock func() time.Time) *RedisRevocations {
	if clock != nil {
		r.now = clock
	}
	return r
}

func (r *RedisRevocations) Revoke(ctx context.Context, key string, expiresAt time.Time) error {
	redisKey := r.key(key)
	if redisKey == "" {
		return errEmptyRevocationKey
	}

	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, redisKey, expiresAt.UTC().Unix(), ttl).Err(); err != nil {
		return storeFailure("redis set revoked token", err)
	}
	return nil
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, key string) (bool, error) {
	redisKey := r.key(key)
	if redisKey == "" {
		return false, errEmptyRevocationKey
	}

	count, err := r.client.Exists(ctx, redisKey).Result()
	if err != nil {
		return false, storeFailure("redis check revoked token", err)
	}
	return count > 0, nil
}

func (r *RedisRevocations) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisRevocations) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storeFailure("redis ping", err)
	}
	return nil
}

func (r *RedisRevocations) key(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.prefix, trimmed)
}
