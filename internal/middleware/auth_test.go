package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairingToken(t *testing.T) {
	capture := func(got *string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*got = GetPairingToken(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})
	}

	t.Run("reads the pairing token header", func(t *testing.T) {
		var got string
		req := httptest.NewRequest(http.MethodPut, "/v1/sessions/abc/control", nil)
		req.Header.Set(PairingTokenHeader, "tok-1")
		rec := httptest.NewRecorder()

		PairingToken(capture(&got)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "tok-1", got)
	})

	t.Run("falls back to bearer authorization", func(t *testing.T) {
		var got string
		req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/abc", nil)
		req.Header.Set("Authorization", "Bearer tok-2")

		PairingToken(capture(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "tok-2", got)
	})

	t.Run("prefers the header over authorization", func(t *testing.T) {
		var got string
		req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/abc", nil)
		req.Header.Set(PairingTokenHeader, "header")
		req.Header.Set("Authorization", "Bearer bearer")

		PairingToken(capture(&got)).ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "header", got)
	})

	t.Run("passes requests without a token", func(t *testing.T) {
		got := "unset"
		req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/abc", nil)
		rec := httptest.NewRecorder()

		PairingToken(capture(&got)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "", got)
	})
}

type stubAdmin struct {
	configured bool
	valid      string
}

func (s stubAdmin) Configured() bool { return s.configured }

func (s stubAdmin) ValidateSession(_ context.Context, token string) bool {
	return token != "" && token == s.valid
}

func TestAdminSessionMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "good", GetAdminToken(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		admin  stubAdmin
		cookie string
		want   int
		code   string
	}{
		{"rejects when admin is not configured", stubAdmin{configured: false}, "good", http.StatusServiceUnavailable, ""},
		{"rejects a missing cookie", stubAdmin{configured: true, valid: "good"}, "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"rejects an unknown session", stubAdmin{configured: true, valid: "good"}, "bad", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"accepts a valid session", stubAdmin{configured: true, valid: "good"}, "good", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: AdminSessionCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()

			NewAdminSessionMiddleware(tt.admin).Handler(ok).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.code != "" {
				var body map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.code, body["code"])
			}
		})
	}
}

func TestSessionCookies(t *testing.T) {
	t.Run("sets an http-only admin cookie", func(t *testing.T) {
		rec := httptest.NewRecorder()
		SetSessionCookie(rec, "token", true)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, AdminSessionCookie, cookies[0].Name)
		assert.Equal(t, "token", cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
		assert.True(t, cookies[0].Secure)
		assert.Equal(t, "/admin", cookies[0].Path)
	})

	t.Run("clears the admin cookie", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ClearSessionCookie(rec)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, -1, cookies[0].MaxAge)
	})
}

func TestCSRFMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := NewCSRFMiddleware(false).Handler(ok)

	t.Run("issues a cookie on safe requests", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/api/sessions", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, CSRFCookieName, cookies[0].Name)
		assert.NotEmpty(t, cookies[0].Value)
	})

	t.Run("rejects a post without the header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/api/sessions/x/force-disconnect", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "abc"})
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("rejects a mismatched header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/admin/api/settings/school-blocking", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "abc"})
		req.Header.Set(CSRFHeaderName, "xyz")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("accepts a matching header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/api/logout", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "abc"})
		req.Header.Set(CSRFHeaderName, "abc")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestLoginRateLimiter(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("blocks after max attempts from one ip", func(t *testing.T) {
		handler := NewLoginRateLimiter().Handler(ok)

		for i := 0; i < loginMaxAttempts; i++ {
			req := httptest.NewRequest(http.MethodPost, "/admin/api/login", nil)
			req.RemoteAddr = "10.0.0.1:5000"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		}

		req := httptest.NewRequest(http.MethodPost, "/admin/api/login", nil)
		req.RemoteAddr = "10.0.0.1:5001"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		req = httptest.NewRequest(http.MethodPost, "/admin/api/login", nil)
		req.RemoteAddr = "10.0.0.2:5000"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
