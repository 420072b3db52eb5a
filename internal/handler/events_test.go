package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
)

type sseReader struct {
	t       *testing.T
	scanner *bufio.Scanner
	pings   int
}

// next returns the next event, counting comment pings on the way.
func (r *sseReader) next() notify.Event {
	r.t.Helper()

	var eventType, data string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == ": ping":
			r.pings++
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var ev notify.Event
			require.NoError(r.t, json.Unmarshal([]byte(data), &ev))
			assert.Equal(r.t, eventType, string(ev.Type))
			return ev
		}
	}
	r.t.Fatalf("stream ended: %v", r.scanner.Err())
	return notify.Event{}
}

func openSSE(t *testing.T, server *httptest.Server, sessionID string) (*sseReader, func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/sessions/"+sessionID+"/events", nil)
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return &sseReader{t: t, scanner: bufio.NewScanner(resp.Body)}, func() {
		cancel()
		resp.Body.Close()
	}
}

func TestEventsHandlerSSE(t *testing.T) {
	t.Run("streams snapshot then changes until deleted", func(t *testing.T) {
		env := newTestEnv(t, 10)
		server := httptest.NewServer(env.router)
		defer server.Close()

		outputID, controlID, token := env.pairOverHTTP(t)

		stream, closeStream := openSSE(t, server, outputID)
		defer closeStream()

		snapshot := stream.next()
		assert.Equal(t, notify.EventSnapshot, snapshot.Type)
		var session model.Session
		require.NoError(t, json.Unmarshal(snapshot.Data, &session))
		assert.Equal(t, model.StateConnected, session.State)
		assert.Equal(t, controlID, session.Peer())

		require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/v1/sessions/"+controlID+"/control",
			`{"page":"announcement","announcementIndex":2}`, tokenHeader(token)).Code)

		changed := stream.next()
		assert.Equal(t, notify.EventControlState, changed.Type)
		assert.JSONEq(t, `{"page":"announcement","announcementIndex":2}`, string(changed.Data))

		require.Equal(t, http.StatusNoContent,
			env.do(t, http.MethodDelete, "/v1/sessions/"+controlID, nil, tokenHeader(token)).Code)

		deleted := stream.next()
		assert.Equal(t, notify.EventDeleted, deleted.Type)
		assert.JSONEq(t, `{"reason":"disconnect"}`, string(deleted.Data))

		assert.False(t, stream.scanner.Scan(), "stream closes after deleted")
	})

	t.Run("missing session yields deleted and closes", func(t *testing.T) {
		env := newTestEnv(t, 10)
		server := httptest.NewServer(env.router)
		defer server.Close()

		stream, closeStream := openSSE(t, server, "does-not-exist")
		defer closeStream()

		ev := stream.next()
		assert.Equal(t, notify.EventDeleted, ev.Type)
		assert.JSONEq(t, `{"reason":"not_found"}`, string(ev.Data))
		assert.False(t, stream.scanner.Scan())
	})

	t.Run("sends keepalive pings", func(t *testing.T) {
		env := newTestEnv(t, 10)
		server := httptest.NewServer(env.router)
		defer server.Close()

		issued := decodeBody(t, env.do(t, http.MethodPost, "/v1/outputs", nil, nil))
		id := issued["sessionId"].(string)

		stream, closeStream := openSSE(t, server, id)
		defer closeStream()
		assert.Equal(t, notify.EventSnapshot, stream.next().Type)

		time.Sleep(120 * time.Millisecond)
		require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/sessions/"+id, nil, nil).Code)

		assert.Equal(t, notify.EventDeleted, stream.next().Type)
		assert.GreaterOrEqual(t, stream.pings, 1)
	})
}

func TestEventsHandlerWebsocket(t *testing.T) {
	t.Run("admin removal reaches the peer before deletion", func(t *testing.T) {
		env := newTestEnv(t, 10)
		server := httptest.NewServer(env.router)
		defer server.Close()

		outputID, controlID, _ := env.pairOverHTTP(t)

		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/sessions/" + controlID + "/ws"
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var ev notify.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, notify.EventSnapshot, ev.Type)

		require.NoError(t, env.admin.ForceDisconnect(context.Background(), outputID, "Room closed"))

		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, notify.EventAdminRemoved, ev.Type)
		assert.JSONEq(t, `{"adminRemoved":true,"message":"Room closed"}`, string(ev.Data))

		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, notify.EventDeleted, ev.Type)
		assert.JSONEq(t, `{"reason":"force_disconnect"}`, string(ev.Data))

		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	})

	t.Run("missing session closes after deleted", func(t *testing.T) {
		env := newTestEnv(t, 10)
		server := httptest.NewServer(env.router)
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/sessions/gone/ws"
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		defer conn.Close()

		var ev notify.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, notify.EventDeleted, ev.Type)
	})
}
