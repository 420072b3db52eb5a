package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
)

const watchBuffer = 16

// Watch opens the session's websocket stream. The first event is always a snapshot or,
// for a missing session, deleted. The channel closes when the stream ends: after a
// deleted event, on ctx cancellation, or when the connection drops.
func (c *Client) Watch(ctx context.Context, sessionID string) (<-chan notify.Event, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = sessionPath(sessionID) + "/ws"

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: requestTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return nil, decodeError(resp)
			}
		}
		return nil, fmt.Errorf("dial %s: %w", u.Path, err)
	}

	events := make(chan notify.Event, watchBuffer)
	go readEvents(ctx, conn, sessionID, events)
	return events, nil
}

func readEvents(ctx context.Context, conn *websocket.Conn, sessionID string, events chan<- notify.Event) {
	defer close(events)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(config.WSReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(config.WSReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(config.WSWriteTimeout))
	})

	for {
		var ev notify.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("watch stream ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(config.WSReadTimeout))

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if ev.Terminal() {
			return
		}
	}
}
