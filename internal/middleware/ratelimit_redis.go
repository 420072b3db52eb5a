package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	redisclient "github.com/schoolkiosk/kiosk-relay-go/internal/redis"
)

// Sliding window over a sorted set. Returns {allowed, remaining, resetAt}.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

local remaining = limit - count - 1
local resetAt = now + window

return {1, remaining, resetAt}
`)

// RedisRateLimiter is shared by every relay instance, so a client cannot spread PIN
// guesses across replicas.
type RedisRateLimiter struct {
	client redis.Scripter
}

func NewRedisRateLimiter(client redis.Scripter) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// Check fails open: an unreachable Redis must not stop displays from pairing.
func (rl *RedisRateLimiter) Check(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt int64) {
	now := time.Now().Unix()
	window := int64(config.RateLimitWindow.Seconds())

	result, err := rateLimitScript.Run(ctx, rl.client, []string{key}, now, window, limit).Int64Slice()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, allowing request")
		return true, limit - 1, now + window
	}

	if len(result) != 3 {
		log.Warn().Str("key", key).Msg("unexpected redis rate limit result")
		return true, limit - 1, now + window
	}

	return result[0] == 1, int(result[1]), result[2]
}

type Auditor interface {
	Record(ctx context.Context, event audit.Event)
}

// IPRateLimitMiddleware limits one route group per client IP.
type IPRateLimitMiddleware struct {
	limiter *RedisRateLimiter
	scope   string
	limit   int
	auditor Auditor
}

func NewIPRateLimitMiddleware(limiter *RedisRateLimiter, scope string, limit int, auditor Auditor) *IPRateLimitMiddleware {
	if auditor == nil {
		auditor = (*audit.Recorder)(nil)
	}
	return &IPRateLimitMiddleware{
		limiter: limiter,
		scope:   scope,
		limit:   limit,
		auditor: auditor,
	}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := audit.ClientIP(r)
		allowed, remaining, resetAt := m.limiter.Check(r.Context(), redisclient.RateLimitKey(m.scope, ip), m.limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			log.Warn().Str("scope", m.scope).Str("ip", ip).Msg("rate limit exceeded")
			m.auditor.Record(audit.WithRequest(r.Context(), r), audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]any{"scope": m.scope},
			})
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter(resetAt), 10))
			writeError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfter(resetAt int64) int64 {
	secs := resetAt - time.Now().Unix()
	if secs < 1 {
		return 1
	}
	return secs
}
