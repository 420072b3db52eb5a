package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/schoolkiosk/kiosk-relay-go/internal/middleware"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository/repotest"
	"github.com/schoolkiosk/kiosk-relay-go/internal/service"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

const testAdminCode = "731904"

type testEnv struct {
	store  *repotest.SessionStore
	broker *notify.Broker
	kiosk  *service.KioskService
	admin  *service.AdminService
	events *EventsHandler
	router http.Handler
}

func newTestEnv(t *testing.T, maxOutputs int) *testEnv {
	t.Helper()

	store := repotest.NewSessionStore()
	broker := notify.NewBroker(nil)
	t.Cleanup(broker.Close)

	kiosk := service.NewKioskService(store, store, broker, nil, service.KioskOptions{
		MaxActiveOutputs: maxOutputs,
		PinTTL:           5 * time.Minute,
		LivenessTimeout:  90 * time.Second,
	})

	hash, err := util.HashPassword(testAdminCode)
	require.NoError(t, err)
	admin := service.NewAdminService(
		kiosk, store, repotest.NewAdminSessionStore(), repotest.NewSettingsStore(),
		broker, nil, hash, "handler-test-session-secret-0123456789",
	)

	events := NewEventsHandler(broker, kiosk)
	events.pingInterval = 50 * time.Millisecond

	sessions := NewSessionHandler(kiosk, admin, events, RouteLimits{})
	adminHandler := NewAdminHandler(
		admin,
		middleware.NewAdminSessionMiddleware(admin).Handler,
		middleware.NewCSRFMiddleware(false).Handler,
		false,
	)

	r := chi.NewRouter()
	r.Mount("/v1", sessions.Routes())
	r.Mount("/admin", adminHandler.Routes())

	return &testEnv{
		store:  store,
		broker: broker,
		kiosk:  kiosk,
		admin:  admin,
		events: events,
		router: r,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// pairOverHTTP issues a PIN and pairs it, returning the output id and capability fields.
func (e *testEnv) pairOverHTTP(t *testing.T) (outputID, controlID, token string) {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/v1/outputs", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decodeBody(t, rec)

	rec = e.do(t, http.MethodPost, "/v1/pair", map[string]string{"pin": issued["pin"].(string)}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	capability := decodeBody(t, rec)

	return capability["outputSessionId"].(string),
		capability["controlSessionId"].(string),
		capability["pairingToken"].(string)
}

func tokenHeader(token string) http.Header {
	return http.Header{middleware.PairingTokenHeader: []string{token}}
}
