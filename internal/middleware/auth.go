package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// PairingTokenHeader carries the capability returned by pairing.
const PairingTokenHeader = "X-Pairing-Token"

const PairingTokenContextKey contextKey = "pairingToken"

// GetPairingToken returns the token presented with the request, or "".
func GetPairingToken(ctx context.Context) string {
	if token, ok := ctx.Value(PairingTokenContextKey).(string); ok {
		return token
	}
	return ""
}

// PairingToken puts the presented pairing token into the request context. It does not
// reject requests without one: whether a token is required depends on the session's
// state, which only the service knows.
func PairingToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), PairingTokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if token := r.Header.Get(PairingTokenHeader); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
