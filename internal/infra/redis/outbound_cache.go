package redis

import (
	"context"
	"fmt"
	"time"

	"personal-agent-gateway/internal/domain/model"
)

// OutboundCache remembers recently sent text per recipient so an echoed copy
// of our own output (channels that mirror sent messages back as inbound) is
// not re-processed. Entries expire on their own; losing them on restart only
// risks one redundant reply.
type OutboundCache struct {
	client RedisClient
	window time.Duration
}

func NewOutboundCache(client RedisClient, window time.Duration) *OutboundCache {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &OutboundCache{client: client, window: window}
}

func outboundKey(recipient, text string) string {
	return fmt.Sprintf("outbound:%s:%s", recipient, model.DedupeHash(recipient, text))
}

func (c *OutboundCache) MarkOutbound(ctx context.Context, recipient, text string) {
	_ = c.client.Set(ctx, outboundKey(recipient, text), "1", c.window)
}

func (c *OutboundCache) WasRecentOutbound(ctx context.Context, sender, text string) bool {
	v, err := c.client.Get(ctx, outboundKey(sender, text))
	return err == nil && v != ""
}
