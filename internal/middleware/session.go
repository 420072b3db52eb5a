package middleware

import (
	"context"
	"net/http"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
)

const AdminSessionCookie = "admin_session"

const AdminTokenContextKey contextKey = "adminToken"

// GetAdminToken returns the raw admin session token of an authenticated request.
func GetAdminToken(ctx context.Context) string {
	if token, ok := ctx.Value(AdminTokenContextKey).(string); ok {
		return token
	}
	return ""
}

type AdminSessionValidator interface {
	Configured() bool
	ValidateSession(ctx context.Context, token string) bool
}

type AdminSessionMiddleware struct {
	admin AdminSessionValidator
}

func NewAdminSessionMiddleware(admin AdminSessionValidator) *AdminSessionMiddleware {
	return &AdminSessionMiddleware{admin: admin}
}

func (m *AdminSessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.admin.Configured() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "Admin not configured",
			})
			return
		}

		cookie, err := r.Cookie(AdminSessionCookie)
		if err != nil || cookie.Value == "" {
			writeError(w, apperrors.Unauthorized("Unauthorized"))
			return
		}

		if !m.admin.ValidateSession(r.Context(), cookie.Value) {
			writeError(w, apperrors.Unauthorized("Unauthorized"))
			return
		}

		ctx := context.WithValue(r.Context(), AdminTokenContextKey, cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func SetSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminSessionCookie,
		Value:    token,
		Path:     "/admin",
		MaxAge:   int(config.AdminSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   AdminSessionCookie,
		Value:  "",
		Path:   "/admin",
		MaxAge: -1,
	})
}
