package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyTTL bounds how long an idle source's nextAllowedTime lingers in
// Redis; comfortably longer than the grace window so a burst in progress
// is never evicted mid-window.
const redisKeyTTL = 24 * time.Hour

// RedisStore persists nextAllowedTime values in Redis, the shape needed
// for the limiter's identity to survive a coordinator restart and to be
// shared across horizontally-scaled coordinator processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. keyPrefix namespaces keys
// (e.g. by room ID) so multiple rooms can share one Redis instance.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (r *RedisStore) key(sourceKey string) string {
	return fmt.Sprintf("ratelimit:%s:%s", r.prefix, sourceKey)
}

// Get implements backingStore.
func (r *RedisStore) Get(ctx context.Context, key string) (float64, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse stored nextAllowedTime: %w", err)
	}
	return f, true, nil
}

// Set implements backingStore.
func (r *RedisStore) Set(ctx context.Context, key string, value float64) error {
	return r.client.Set(ctx, r.key(key), strconv.FormatFloat(value, 'f', -1, 64), redisKeyTTL).Err()
}
