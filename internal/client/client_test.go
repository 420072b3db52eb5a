package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/handler"
	"github.com/schoolkiosk/kiosk-relay-go/internal/middleware"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository/repotest"
	"github.com/schoolkiosk/kiosk-relay-go/internal/service"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

const adminCode = "550912"

type relay struct {
	store  *repotest.SessionStore
	server *httptest.Server
	client *Client
}

func newRelay(t *testing.T, maxOutputs int) *relay {
	t.Helper()

	store := repotest.NewSessionStore()
	broker := notify.NewBroker(nil)
	t.Cleanup(broker.Close)

	kiosk := service.NewKioskService(store, store, broker, nil, service.KioskOptions{
		MaxActiveOutputs: maxOutputs,
		PinTTL:           5 * time.Minute,
		LivenessTimeout:  90 * time.Second,
	})
	hash, err := util.HashPassword(adminCode)
	require.NoError(t, err)
	admin := service.NewAdminService(kiosk, store, repotest.NewAdminSessionStore(), repotest.NewSettingsStore(),
		broker, nil, hash, "client-test-session-secret-0123456789")

	events := handler.NewEventsHandler(broker, kiosk)
	r := chi.NewRouter()
	r.Mount("/v1", handler.NewSessionHandler(kiosk, admin, events, handler.RouteLimits{}).Routes())
	r.Mount("/admin", handler.NewAdminHandler(admin,
		middleware.NewAdminSessionMiddleware(admin).Handler,
		middleware.NewCSRFMiddleware(false).Handler,
		false,
	).Routes())

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	require.NoError(t, err)
	return &relay{store: store, server: server, client: c}
}

func nextUpdate(t *testing.T, d *OutputDevice) Update {
	t.Helper()
	select {
	case u, ok := <-d.Updates():
		require.True(t, ok, "updates closed")
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("device did not stop")
	}
}

func TestNew(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)

	c, err := New("http://localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL.String())
}

func TestClientErrors(t *testing.T) {
	rl := newRelay(t, 1)
	ctx := context.Background()

	t.Run("decodes the server error code", func(t *testing.T) {
		_, err := rl.client.Pair(ctx, "123456")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPin))
		assert.NotEmpty(t, err.Error())
	})

	t.Run("capacity is reported", func(t *testing.T) {
		_, err := rl.client.IssuePin(ctx)
		require.NoError(t, err)
		_, err = rl.client.IssuePin(ctx)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCapacityExceeded))
	})

	t.Run("invalid payload fails before the request", func(t *testing.T) {
		_, err := rl.client.Send(ctx, model.Capability{ControlSessionID: "x"}, model.MealPage{DateOffset: 90})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPayload))
	})
}

func TestDevicesEndToEnd(t *testing.T) {
	rl := newRelay(t, 10)
	ctx := context.Background()

	output := NewOutputDevice(rl.client, time.Hour)
	issued, err := output.Start(ctx)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9]{6}$`, issued.PIN)

	status, err := rl.client.ResolvePin(ctx, issued.PIN)
	require.NoError(t, err)
	assert.Equal(t, model.StateWaiting, status.State)

	control, err := PairControl(ctx, rl.client, issued.PIN)
	require.NoError(t, err)
	capability := control.Capability()
	assert.Equal(t, issued.SessionID, capability.OutputSessionID)

	paired := nextUpdate(t, output)
	assert.Equal(t, UpdatePaired, paired.Type)
	assert.Equal(t, capability.ControlSessionID, paired.PeerSessionID)

	require.NoError(t, control.Send(ctx, model.MealPage{DateOffset: 1}))
	u := nextUpdate(t, output)
	assert.Equal(t, UpdateControl, u.Type)
	assert.Equal(t, model.MealPage{DateOffset: 1}, u.Payload)

	// A repeat of the current payload is not re-rendered.
	require.NoError(t, control.Send(ctx, model.MealPage{DateOffset: 1}))
	require.NoError(t, control.Send(ctx, model.SchedulePage{View: model.ScheduleWeekly}))
	u = nextUpdate(t, output)
	assert.Equal(t, model.SchedulePage{View: model.ScheduleWeekly}, u.Payload)

	raw, err := rl.client.ControlState(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":"schedule","scheduleView":"weekly"}`, string(raw))

	require.NoError(t, rl.client.AdminLogin(ctx, adminCode))
	stats, err := rl.client.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions.Connected)

	sessions, err := rl.client.AdminSessions(ctx, model.ListSessionsParams{Role: model.RoleControl})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, capability.ControlSessionID, sessions[0].ID)

	require.NoError(t, rl.client.AdminForceDisconnect(ctx, issued.SessionID, "Assembly starting"))

	waitDone(t, control.Done())
	reason, message := control.Reason()
	assert.Equal(t, ReasonAdminRemoved, reason)
	assert.Equal(t, "Assembly starting", message)

	waitDone(t, output.Done())
	reason, _ = output.Reason()
	assert.Equal(t, ReasonAdminRemoved, reason)

	err = control.Send(ctx, model.MainPage{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotPaired))
	assert.Equal(t, 0, rl.store.Len())
}

func TestOutputDeviceStopsOnPeerDisconnect(t *testing.T) {
	rl := newRelay(t, 10)
	ctx := context.Background()

	output := NewOutputDevice(rl.client, time.Hour)
	issued, err := output.Start(ctx)
	require.NoError(t, err)

	control, err := PairControl(ctx, rl.client, issued.PIN)
	require.NoError(t, err)
	require.NoError(t, control.Disconnect(ctx))

	waitDone(t, output.Done())
	reason, _ := output.Reason()
	assert.Equal(t, notify.ReasonDisconnect, reason)

	reason, _ = control.Reason()
	assert.Equal(t, ReasonClosed, reason)
}

func TestOutputDeviceHeartbeatFailure(t *testing.T) {
	rl := newRelay(t, 10)
	ctx := context.Background()

	output := NewOutputDevice(rl.client, 20*time.Millisecond)
	issued, err := output.Start(ctx)
	require.NoError(t, err)

	// Remove the row behind the service's back, so no deleted event is published.
	_, err = rl.store.DeleteSessions(ctx, []string{issued.SessionID})
	require.NoError(t, err)

	waitDone(t, output.Done())
	reason, _ := output.Reason()
	assert.Equal(t, ReasonHeartbeatFailed, reason)
}

func TestOutputDeviceClose(t *testing.T) {
	rl := newRelay(t, 10)
	ctx := context.Background()

	output := NewOutputDevice(rl.client, time.Hour)
	_, err := output.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, output.Close(ctx))
	waitDone(t, output.Done())
	assert.Equal(t, 0, rl.store.Len())

	var last Update
	for u := range output.Updates() {
		last = u
	}
	assert.Equal(t, UpdateDisconnected, last.Type)
	assert.Equal(t, ReasonClosed, last.Reason)
}

func TestWatchMissingSession(t *testing.T) {
	rl := newRelay(t, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	events, err := rl.client.Watch(ctx, "missing")
	require.NoError(t, err)

	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, notify.EventDeleted, ev.Type)

	_, ok = <-events
	assert.False(t, ok)
}

func TestSchoolBlocking(t *testing.T) {
	rl := newRelay(t, 10)
	ctx := context.Background()

	require.NoError(t, rl.client.AdminLogin(ctx, adminCode))
	_, err := rl.client.AdminSetSchoolBlocking(ctx, true, "Closed today")
	require.NoError(t, err)

	blocking, err := rl.client.SchoolBlocking(ctx)
	require.NoError(t, err)
	assert.True(t, blocking.Enabled)
	assert.Equal(t, "Closed today", blocking.Message)

	require.NoError(t, rl.client.AdminLogout(ctx))
	_, err = rl.client.AdminStats(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
}
