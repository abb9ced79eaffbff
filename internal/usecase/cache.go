package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned when no view is cached for a handle.
var ErrCacheMiss = errors.New("session view not cached")

const defaultViewPrefix = "liveness:session:"

// Cache keeps the last known view of a handle after its orchestrator is gone.
type Cache interface {
	SetView(ctx context.Context, handleID string, payload []byte, ttl time.Duration) error
	GetView(ctx context.Context, handleID string) ([]byte, error)
	DeleteView(ctx context.Context, handleID string) error
}

// RedisCache stores views as plain string values under a key prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a Redis-backed view cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: defaultViewPrefix}
}

func (c *RedisCache) key(handleID string) string {
	return c.prefix + handleID
}

func (c *RedisCache) SetView(ctx context.Context, handleID string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(handleID), payload, ttl).Err()
}

func (c *RedisCache) GetView(ctx context.Context, handleID string) ([]byte, error) {
	payload, err := c.client.Get(ctx, c.key(handleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return payload, err
}

// DeleteView drops a cached view. Deleting a missing view is not an error.
func (c *RedisCache) DeleteView(ctx context.Context, handleID string) error {
	return c.client.Del(ctx, c.key(handleID)).Err()
}
