package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultCounterPrefix = "pipeline:redeliveries:"
	DefaultCounterTTL    = 24 * time.Hour
)

// RedeliveryCounter counts how often a message id has been requeued. Counts
// expire after ttl so abandoned ids do not accumulate.
type RedeliveryCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedeliveryCounter(client *redis.Client, prefix string, ttl time.Duration) *RedeliveryCounter {
	if prefix == "" {
		prefix = DefaultCounterPrefix
	}
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &RedeliveryCounter{client: client, prefix: prefix, ttl: ttl}
}

// Incr increments the count for id, refreshes its expiry and returns the new
// count.
func (c *RedeliveryCounter) Incr(ctx context.Context, id string) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, c.key(id))
		pipe.Expire(ctx, c.key(id), c.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Reset forgets id.
func (c *RedeliveryCounter) Reset(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}

func (c *RedeliveryCounter) key(id string) string {
	return c.prefix + id
}
