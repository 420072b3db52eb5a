package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventSnapshot     EventType = "snapshot"
	EventPaired       EventType = "paired"
	EventControlState EventType = "control_state"
	EventAdminRemoved EventType = "admin_removed"
	EventExpired      EventType = "expired"
	EventDeleted      EventType = "deleted"
)

// Event is one change to a session document. Data is the event-specific body.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

func NewEvent(eventType EventType, sessionID string, data any) (Event, error) {
	ev := Event{Type: eventType, SessionID: sessionID, At: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Terminal reports whether no further events can follow for the session.
func (e Event) Terminal() bool {
	return e.Type == EventDeleted
}

// Deletion reasons carried by EventDeleted.
const (
	ReasonDisconnect      = "disconnect"
	ReasonForceDisconnect = "force_disconnect"
	ReasonExpired         = "expired"
	ReasonLivenessTimeout = "liveness_timeout"
	// ReasonNotFound answers a subscription to a session that no longer exists.
	ReasonNotFound = "not_found"
)

type PairedData struct {
	OutputSessionID  string `json:"outputSessionId"`
	ControlSessionID string `json:"controlSessionId"`
}

type DeletedData struct {
	Reason string `json:"reason"`
}
