// Package cache wraps the Redis fast-path accelerator used by C8's
// duplicate-suppression check. Redis is a speed layer only; the
// database remains the source of truth.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a thin wrapper over go-redis's client, exposing only the
// operations the triage pipeline needs.
type Client struct {
	rdb *redis.Client
}

// New connects to addr (spec §6's REDIS_ADDR).
func New(addr string) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewFromClient wraps an existing *redis.Client, used by tests against
// a miniredis instance.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// SeenRecently reports whether key was marked within the last window
// via MarkSeen, used by C8's duplicate-suppression fast path.
func (c *Client) SeenRecently(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records key with a TTL equal to window, so SeenRecently
// returns true until the window elapses.
func (c *Client) MarkSeen(ctx context.Context, key string, window time.Duration) error {
	return c.rdb.Set(ctx, key, "1", window).Err()
}

// Ping probes connectivity for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
