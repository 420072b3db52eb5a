package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
)

// GET /v1/sessions/{id}/ws
//
// Events are sent as JSON text frames. The client only answers pings; any frame it sends
// is discarded.
func (h *EventsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	ctx := r.Context()
	sub, snapshot, err := h.openStream(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.broker.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if snapshot == nil {
		_ = writeWSEvent(conn, goneEvent(sessionID))
		closeWS(conn)
		return
	}
	if err := writeWSEvent(conn, *snapshot); err != nil {
		return
	}

	log.Debug().Str("sessionId", sessionID).Msg("websocket stream opened")

	closed := make(chan struct{})
	go readPump(conn, closed)

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-closed:
			log.Debug().Str("sessionId", sessionID).Msg("websocket closed by client")
			return

		case <-sub.Done:
			closeWS(conn)
			return

		case event := <-sub.Events:
			if err := writeWSEvent(conn, event); err != nil {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("websocket write failed")
				return
			}
			if event.Terminal() {
				closeWS(conn)
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(config.WSWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readPump keeps the read deadline moving on pongs and reports when the peer goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(config.WSReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSReadTimeout))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeWSEvent(conn *websocket.Conn, event notify.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	return conn.WriteJSON(event)
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(config.WSWriteTimeout))
}
