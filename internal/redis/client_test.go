package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "kiosk:session:abc", SessionChannel("abc"))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:pair:10.0.0.1", RateLimitKey("pair", "10.0.0.1"))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(context.Background(), "http://localhost:6379")
	assert.ErrorContains(t, err, "parse redis url")

	_, err = NewClient(context.Background(), "redis://127.0.0.1:1/0")
	assert.ErrorContains(t, err, "ping redis")
}
