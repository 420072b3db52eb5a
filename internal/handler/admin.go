package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/middleware"
	"github.com/schoolkiosk/kiosk-relay-go/internal/service"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

type AdminHandler struct {
	adminService      *service.AdminService
	sessionMiddleware func(http.Handler) http.Handler
	csrfMiddleware    func(http.Handler) http.Handler
	loginRateLimiter  *middleware.LoginRateLimiter
	isProduction      bool
}

func NewAdminHandler(
	adminService *service.AdminService,
	sessionMiddleware func(http.Handler) http.Handler,
	csrfMiddleware func(http.Handler) http.Handler,
	isProduction bool,
) *AdminHandler {
	return &AdminHandler{
		adminService:      adminService,
		sessionMiddleware: sessionMiddleware,
		csrfMiddleware:    orPassthrough(csrfMiddleware),
		loginRateLimiter:  middleware.NewLoginRateLimiter(),
		isProduction:      isProduction,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(middleware.NewBodyLimitMiddleware(0).Handler)

	r.With(h.loginRateLimiter.Handler).Post("/api/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.sessionMiddleware)
		r.Use(h.csrfMiddleware)

		r.Post("/api/logout", h.Logout)
		r.Get("/api/stats", h.Stats)

		r.Get("/api/sessions", h.ListSessions)
		r.Get("/api/sessions/{id}", h.GetSession)
		r.Post("/api/sessions/{id}/force-disconnect", h.ForceDisconnect)

		r.Get("/api/settings/school-blocking", h.GetSchoolBlocking)
		r.Put("/api/settings/school-blocking", h.SetSchoolBlocking)
	})

	return r
}

func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, r, apperrors.MissingRequired("code"))
		return
	}

	if !h.adminService.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Admin not configured"})
		return
	}

	token, err := h.adminService.Login(r.Context(), req.Code)
	if err != nil {
		log.Error().Err(err).Msg("admin login error")
		writeError(w, r, apperrors.Internal("Login failed"))
		return
	}

	if token == "" {
		writeError(w, r, apperrors.Unauthorized("Invalid admin code"))
		return
	}

	middleware.SetSessionCookie(w, token, h.isProduction)
	csrfToken, err := middleware.IssueCSRFCookie(w, h.isProduction)
	if err != nil {
		writeError(w, r, apperrors.Internal("Failed to generate security token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "csrfToken": csrfToken})
}

func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.GetAdminToken(r.Context()); token != "" {
		if err := h.adminService.Logout(r.Context(), token); err != nil {
			log.Warn().Err(err).Msg("failed to delete admin session")
		}
	}

	middleware.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.adminService.GetStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	params, err := ParseListSessions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sessions, err := h.adminService.ListSessions(r.Context(), params)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  sessions,
		"total":  len(sessions),
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// sessionID rejects ids that cannot name a session before they reach the store.
func sessionID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if !util.IsValidSessionID(id) {
		return "", apperrors.NotFound("session")
	}
	return id, nil
}

func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.adminService.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *AdminHandler) ForceDisconnect(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	if err := h.adminService.ForceDisconnect(r.Context(), id, req.Message); err != nil {
		writeError(w, r, err)
		return
	}

	log.Info().Str("sessionId", id).Msg("admin force-disconnected session")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) GetSchoolBlocking(w http.ResponseWriter, r *http.Request) {
	blocking, err := h.adminService.GetSchoolBlocking(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, blocking)
}

func (h *AdminHandler) SetSchoolBlocking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool  `json:"enabled"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, r, apperrors.MissingRequired("enabled"))
		return
	}

	blocking, err := h.adminService.SetSchoolBlocking(r.Context(), *req.Enabled, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, blocking)
}
