package middleware

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
)

// The admin code is short enough to type on a phone, so guesses are capped per IP.
const loginMaxAttempts = 5

// LoginRateLimiter caps admin login attempts per client IP over the sliding
// RateLimitWindow. Admin logins are rare, so the window is kept in process.
type LoginRateLimiter struct {
	limiter *RateLimiter
}

func NewLoginRateLimiter() *LoginRateLimiter {
	return &LoginRateLimiter{limiter: NewRateLimiter()}
}

func (l *LoginRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)

		allowed, _, resetAt := l.limiter.Check("login:"+ip, loginMaxAttempts)
		if !allowed {
			log.Warn().Str("ip", ip).Msg("admin login attempts exceeded")
			audit.Log(r.Context(), audit.Event{
				Type:    audit.EventRateLimitExceed,
				IP:      ip,
				Details: map[string]interface{}{"scope": "admin_login"},
			})
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter(resetAt), 10))
			writeError(w, apperrors.New(apperrors.ErrCodeRateLimitExceeded,
				"Too many login attempts. Please try again later."))
			return
		}

		next.ServeHTTP(w, r)
	})
}
