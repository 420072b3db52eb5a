package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
)

type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
}

type SessionReader interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// EventsHandler streams one session's change events over SSE or a websocket. Every
// stream starts with a snapshot of the stored session and ends after a deleted event.
type EventsHandler struct {
	broker       Subscriber
	sessions     SessionReader
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func NewEventsHandler(broker Subscriber, sessions SessionReader) *EventsHandler {
	return &EventsHandler{
		broker:       broker,
		sessions:     sessions,
		pingInterval: config.StreamPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Kiosk pages are served from a different origin than the relay.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// openStream subscribes before reading the snapshot, so no change committed after the
// read can be missed. The returned snapshot is nil when the session does not exist.
func (h *EventsHandler) openStream(ctx context.Context, sessionID string) (*notify.Subscription, *notify.Event, error) {
	sub, err := h.broker.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, nil, apperrors.StoreUnavailable(err)
	}

	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return sub, nil, nil
		}
		h.broker.Unsubscribe(sub)
		return nil, nil, err
	}

	snapshot, err := notify.NewEvent(notify.EventSnapshot, sessionID, session)
	if err != nil {
		h.broker.Unsubscribe(sub)
		return nil, nil, apperrors.Internal("failed to encode snapshot").WithCause(err)
	}
	return sub, &snapshot, nil
}

func goneEvent(sessionID string) notify.Event {
	ev, _ := notify.NewEvent(notify.EventDeleted, sessionID, notify.DeletedData{Reason: notify.ReasonNotFound})
	return ev
}

// GET /v1/sessions/{id}/events
func (h *EventsHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	ctx := r.Context()
	sub, snapshot, err := h.openStream(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if snapshot == nil {
		_ = h.sendEvent(w, flusher, goneEvent(sessionID))
		return
	}
	if err := h.sendEvent(w, flusher, *snapshot); err != nil {
		return
	}

	log.Debug().Str("sessionId", sessionID).Msg("sse stream opened")

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("sessionId", sessionID).Msg("sse stream closed by client")
			return

		case <-sub.Done:
			log.Debug().Str("sessionId", sessionID).Msg("sse stream closed by broker")
			return

		case event := <-sub.Events:
			if err := h.sendEvent(w, flusher, event); err != nil {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("sse write failed")
				return
			}
			if event.Terminal() {
				return
			}

		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				log.Debug().Str("sessionId", sessionID).Msg("ping failed, closing stream")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
