package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
)

// Client carries pub/sub fan-out between relay instances and the shared rate-limit
// counters.
type Client struct {
	*redis.Client
}

// NewClient parses a redis:// or rediss:// URL and fails unless the server answers a
// ping within RedisPingTimeout.
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = "kiosk-relay"
	}

	c := &Client{redis.NewClient(opts)}
	if err := c.Healthy(ctx); err != nil {
		_ = c.Client.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Healthy(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, config.RedisPingTimeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SessionChannel is the pub/sub channel carrying change events for one kiosk session.
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("kiosk:session:%s", sessionID)
}

func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, subject)
}
