package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
)

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, remaining, _ := limiter.Check("session-1", 10)
			assert.True(t, allowed)
			assert.Equal(t, 10-i-1, remaining)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check("session-2", 5)
		}

		allowed, remaining, _ := limiter.Check("session-2", 5)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
	})

	t.Run("tracks sessions separately", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check("session-a", 5)
		}

		allowed, _, _ := limiter.Check("session-b", 5)
		assert.True(t, allowed)
	})

	t.Run("returns reset time", func(t *testing.T) {
		limiter := NewRateLimiter()

		_, _, resetAt := limiter.Check("session-3", 10)
		assert.Greater(t, resetAt, int64(0))
	})

	t.Run("window slides", func(t *testing.T) {
		now := time.Unix(1_700_000_000, 0)
		limiter := newRateLimiter(time.Minute, func() time.Time { return now })

		allowed, _, _ := limiter.Check("session-4", 2)
		assert.True(t, allowed)
		now = now.Add(30 * time.Second)
		allowed, _, _ = limiter.Check("session-4", 2)
		assert.True(t, allowed)

		allowed, _, resetAt := limiter.Check("session-4", 2)
		assert.False(t, allowed)
		assert.Equal(t, time.Unix(1_700_000_060, 0).Unix(), resetAt)

		// The first hit leaves the window; one slot frees up.
		now = now.Add(31 * time.Second)
		allowed, remaining, _ := limiter.Check("session-4", 2)
		assert.True(t, allowed)
		assert.Equal(t, 0, remaining)
	})
}

func TestSendRateLimitMiddleware(t *testing.T) {
	newRouter := func(limit int) http.Handler {
		r := chi.NewRouter()
		r.With(NewSendRateLimitMiddleware(limit).Handler).
			Put("/v1/sessions/{id}/control", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		return r
	}

	send := func(h http.Handler, id string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/sessions/"+id+"/control", nil))
		return rec
	}

	t.Run("sets rate limit headers", func(t *testing.T) {
		rec := send(newRouter(3), "c1")

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("rejects sends over the limit per session", func(t *testing.T) {
		h := newRouter(2)

		assert.Equal(t, http.StatusNoContent, send(h, "c1").Code)
		assert.Equal(t, http.StatusNoContent, send(h, "c1").Code)

		rec := send(h, "c1")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		assert.Equal(t, http.StatusNoContent, send(h, "c2").Code)
	})

	t.Run("zero limit disables the check", func(t *testing.T) {
		h := newRouter(0)
		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusNoContent, send(h, "c1").Code)
		}
	})
}

type recordingAuditor struct {
	events []audit.Event
}

func (r *recordingAuditor) Record(_ context.Context, event audit.Event) {
	r.events = append(r.events, event)
}

func TestIPRateLimitMiddleware(t *testing.T) {
	// Nothing listens here, so every check fails open.
	unreachable := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = unreachable.Close() })

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	t.Run("fails open when redis is unreachable", func(t *testing.T) {
		auditor := &recordingAuditor{}
		m := NewIPRateLimitMiddleware(NewRedisRateLimiter(unreachable), "pair", 1, auditor)

		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			m.Handler(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pair", nil))
			require.Equal(t, http.StatusCreated, rec.Code)
			assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
		}
		assert.Empty(t, auditor.events)
	})

	t.Run("zero limit skips redis", func(t *testing.T) {
		m := NewIPRateLimitMiddleware(NewRedisRateLimiter(unreachable), "issue", 0, nil)
		rec := httptest.NewRecorder()

		m.Handler(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/outputs", nil))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	})
}

func TestRetryAfter(t *testing.T) {
	now := time.Now().Unix()
	assert.Equal(t, int64(1), retryAfter(now-5))
	assert.InDelta(t, 30, retryAfter(now+30), 1)
}
