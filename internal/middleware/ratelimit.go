package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
)

const (
	maxTrackedKeys = 10000
	sweepEvery     = time.Minute
)

// RateLimiter is an in-process sliding-window log keyed by caller-chosen strings.
type RateLimiter struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

func NewRateLimiter() *RateLimiter {
	return newRateLimiter(config.RateLimitWindow, time.Now)
}

func newRateLimiter(window time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		window:    window,
		now:       now,
		hits:      make(map[string][]time.Time),
		lastSweep: now(),
	}
}

// sweep drops keys with no hit inside the window. Past maxTrackedKeys, new keys are
// not tracked until a sweep frees room; Check then allows them.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepEvery && len(rl.hits) < maxTrackedKeys {
		return
	}
	rl.lastSweep = now

	cutoff := now.Add(-rl.window)
	for key, hits := range rl.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(rl.hits, key)
		}
	}
}

// Check records a hit for key if fewer than limit hits fall inside the window.
// resetAt is the Unix second at which the oldest counted hit leaves the window.
func (rl *RateLimiter) Check(key string, limit int) (allowed bool, remaining int, resetAt int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	cutoff := now.Add(-rl.window)
	hits := rl.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	resetAt = now.Add(rl.window).Unix()
	if len(hits) > 0 {
		resetAt = hits[0].Add(rl.window).Unix()
	}

	if len(hits) >= limit {
		rl.hits[key] = hits
		return false, 0, resetAt
	}

	if _, tracked := rl.hits[key]; tracked || len(rl.hits) < maxTrackedKeys {
		rl.hits[key] = append(hits, now)
	}
	return true, limit - len(hits) - 1, resetAt
}

// SendRateLimitMiddleware caps control writes per session. Sends are pinned to the
// instance serving the request, so an in-process window is enough.
type SendRateLimitMiddleware struct {
	limiter *RateLimiter
	limit   int
}

func NewSendRateLimitMiddleware(limit int) *SendRateLimitMiddleware {
	return &SendRateLimitMiddleware{
		limiter: NewRateLimiter(),
		limit:   limit,
	}
}

func (m *SendRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		if sessionID == "" || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, resetAt := m.limiter.Check(sessionID, m.limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			log.Warn().Str("sessionId", sessionID).Msg("send rate limit exceeded")
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter(resetAt), 10))
			writeError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
