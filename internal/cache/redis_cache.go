package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func dedupeCacheKey(key string) string {
	return "dedupe:" + key
}

func (c *RedisCache) Lookup(ctx context.Context, key string) (uuid.UUID, bool, error) {
	raw, err := c.rdb.Get(ctx, dedupeCacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		// A corrupt entry should never block an enqueue.
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (c *RedisCache) Remember(ctx context.Context, key string, id uuid.UUID) error {
	return c.rdb.Set(ctx, dedupeCacheKey(key), id.String(), c.ttl).Err()
}

func (c *RedisCache) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, dedupeCacheKey(key)).Err()
}
