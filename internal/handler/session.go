package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/middleware"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/service"
)

// RouteLimits are optional per-route guards; nil entries are not applied.
type RouteLimits struct {
	Issue func(http.Handler) http.Handler
	Pair  func(http.Handler) http.Handler
	Send  func(http.Handler) http.Handler
}

type SessionHandler struct {
	kiosk    *service.KioskService
	settings SchoolBlockingReader
	events   *EventsHandler
	limits   RouteLimits
}

type SchoolBlockingReader interface {
	GetSchoolBlocking(ctx context.Context) (*model.SchoolBlocking, error)
}

func NewSessionHandler(
	kiosk *service.KioskService,
	settings SchoolBlockingReader,
	events *EventsHandler,
	limits RouteLimits,
) *SessionHandler {
	return &SessionHandler{
		kiosk:    kiosk,
		settings: settings,
		events:   events,
		limits:   limits,
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func orPassthrough(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return passthrough
	}
	return mw
}

// Routes serves the device API under /v1. Push streams are outside the request timeout.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.PairingToken)

	if h.events != nil {
		r.Get("/sessions/{id}/events", h.events.ServeSSE)
		r.Get("/sessions/{id}/ws", h.events.ServeWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(middleware.NewBodyLimitMiddleware(0).Handler)

		r.With(orPassthrough(h.limits.Issue)).Post("/outputs", h.IssuePin)
		r.With(orPassthrough(h.limits.Pair)).Post("/pair", h.Pair)
		r.Get("/pins/{pin}", h.ResolvePin)

		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.Disconnect)
		r.Post("/sessions/{id}/heartbeat", h.Heartbeat)
		r.Get("/sessions/{id}/control", h.GetControlState)
		r.With(orPassthrough(h.limits.Send)).Put("/sessions/{id}/control", h.Send)

		r.Get("/settings/school-blocking", h.GetSchoolBlocking)
	})

	return r
}

// POST /v1/outputs
func (h *SessionHandler) IssuePin(w http.ResponseWriter, r *http.Request) {
	session, err := h.kiosk.IssuePin(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := map[string]any{
		"sessionId": session.ID,
		"pin":       session.PIN,
		"expiresAt": formatTime(session.ExpiresAt),
	}
	if session.ExpiresAt != nil {
		resp["expiresIn"] = int(time.Until(*session.ExpiresAt).Seconds())
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GET /v1/pins/{pin}
func (h *SessionHandler) ResolvePin(w http.ResponseWriter, r *http.Request) {
	session, err := h.kiosk.ResolvePin(r.Context(), chi.URLParam(r, "pin"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pin":   session.PIN,
		"state": session.State,
	})
}

// POST /v1/pair
func (h *SessionHandler) Pair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PIN == "" {
		writeError(w, r, apperrors.MissingRequired("pin"))
		return
	}

	capability, err := h.kiosk.Pair(r.Context(), req.PIN)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, capability)
}

// GET /v1/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.kiosk.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// DELETE /v1/sessions/{id}
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetPairingToken(r.Context())
	if err := h.kiosk.Disconnect(r.Context(), chi.URLParam(r, "id"), token); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/sessions/{id}/heartbeat
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.kiosk.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PUT /v1/sessions/{id}/control
func (h *SessionHandler) Send(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, bodyError(err))
		return
	}

	payload, err := model.DecodeControlPayload(body)
	if err != nil {
		writeError(w, r, apperrors.InvalidPayload(err.Error()))
		return
	}

	token := middleware.GetPairingToken(r.Context())
	at, err := h.kiosk.Send(r.Context(), chi.URLParam(r, "id"), token, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"controlStateAt": formatTime(&at),
	})
}

// GET /v1/sessions/{id}/control
func (h *SessionHandler) GetControlState(w http.ResponseWriter, r *http.Request) {
	state, at, err := h.kiosk.CurrentControlState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"controlState":   state,
		"controlStateAt": formatTime(at),
	})
}

// GET /v1/settings/school-blocking
func (h *SessionHandler) GetSchoolBlocking(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		writeJSON(w, http.StatusOK, model.SchoolBlocking{})
		return
	}

	blocking, err := h.settings.GetSchoolBlocking(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, blocking)
}
