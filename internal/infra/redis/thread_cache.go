package redis

import (
	"context"
	"fmt"
	"time"
)

// ThreadContextCache caches the per-sender conversation window used when
// building prompts. clear-context drops it alongside the connector thread.
type ThreadContextCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewThreadContextCache(client RedisClient, ttl time.Duration) *ThreadContextCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ThreadContextCache{client: client, ttl: ttl}
}

func threadKey(sender string) string { return fmt.Sprintf("thread_ctx:%s", sender) }

func (c *ThreadContextCache) Put(ctx context.Context, sender, window string) error {
	return c.client.Set(ctx, threadKey(sender), window, c.ttl)
}

func (c *ThreadContextCache) Get(ctx context.Context, sender string) (string, error) {
	v, err := c.client.Get(ctx, threadKey(sender))
	if IsNil(err) {
		return "", nil
	}
	return v, err
}

func (c *ThreadContextCache) Clear(ctx context.Context, sender string) error {
	return c.client.Del(ctx, threadKey(sender))
}
