package dedup

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "qbridge:seen:"

// Redis is a Store shared by all worker instances of a service. Keys expire
// server-side, so no pruning pass is needed.
type Redis struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed store retaining ids for ttl.
func NewRedis(client *goredis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Seen implements Store.
func (r *Redis) Seen(ctx context.Context, correlationID string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+correlationID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis lookup failed: %w", err)
	}
	return n > 0, nil
}

// Mark implements Store.
func (r *Redis) Mark(ctx context.Context, correlationID string) error {
	if err := r.client.Set(ctx, keyPrefix+correlationID, 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("dedup: redis write failed: %w", err)
	}
	return nil
}
