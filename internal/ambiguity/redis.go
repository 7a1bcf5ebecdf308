package ambiguity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskqueue:ambiguity:"

// RedisCache is the production Cache, shared across every taskqueue
// process talking to the same Mongo deployment.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an already-constructed client. Connectivity is
// verified by the caller (cmd/taskqueued pings at startup).
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("ambiguity: check %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *RedisCache) Remember(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Set(ctx, keyPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("ambiguity: remember %s: %w", key, err)
	}
	return nil
}
