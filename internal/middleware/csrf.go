package middleware

import (
	"net/http"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

const (
	CSRFCookieName = "csrf_token"
	CSRFHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware guards the cookie-authenticated admin API with a double-submit token:
// state-changing requests must echo the csrf_token cookie in X-CSRF-Token.
type CSRFMiddleware struct {
	isProduction bool
}

func NewCSRFMiddleware(isProduction bool) *CSRFMiddleware {
	return &CSRFMiddleware{isProduction: isProduction}
}

func (m *CSRFMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CSRFCookieName)
		if err != nil || cookie.Value == "" {
			token, err := IssueCSRFCookie(w, m.isProduction)
			if err != nil {
				writeError(w, apperrors.Internal("Failed to generate security token"))
				return
			}
			cookie = &http.Cookie{Value: token}
		}

		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		headerToken := r.Header.Get(CSRFHeaderName)
		if headerToken == "" {
			writeError(w, apperrors.Forbidden("Missing CSRF token"))
			return
		}

		if !util.ConstantTimeEqual(cookie.Value, headerToken) {
			writeError(w, apperrors.Forbidden("Invalid CSRF token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// IssueCSRFCookie sets a fresh token cookie. The login handler calls it so that a client
// holding only a cookie jar can make its first state-changing request.
func IssueCSRFCookie(w http.ResponseWriter, secure bool) (string, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/admin",
		MaxAge:   int(config.AdminSessionTTL.Seconds()),
		HttpOnly: false, // read by the admin page script
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}
