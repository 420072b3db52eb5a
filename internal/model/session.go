package model

import (
	"encoding/json"
	"time"
)

type SessionRole string

const (
	RoleOutput  SessionRole = "output"
	RoleControl SessionRole = "control"
)

type SessionState string

const (
	StateWaiting   SessionState = "waiting"
	StateConnected SessionState = "connected"
	StateExpired   SessionState = "expired"
)

// Session is one side of a display pairing. Output sessions are created waiting with a
// PIN; control sessions only ever exist already connected to an output.
type Session struct {
	ID              string           `db:"id" json:"sessionId"`
	PIN             string           `db:"pin" json:"pin"`
	Role            SessionRole      `db:"role" json:"role"`
	State           SessionState     `db:"state" json:"state"`
	PairedSessionID *string          `db:"paired_session_id" json:"pairedSessionId,omitempty"`
	PairingToken    *string          `db:"pairing_token" json:"-"`
	ControlState    *json.RawMessage `db:"control_state" json:"controlState,omitempty"`
	ControlStateAt  *time.Time       `db:"control_state_at" json:"controlStateAt,omitempty"`
	HeartbeatAt     time.Time        `db:"heartbeat_at" json:"heartbeatAt"`
	ExpiresAt       *time.Time       `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"createdAt"`
	PairedAt        *time.Time       `db:"paired_at" json:"pairedAt,omitempty"`
}

// IsActive reports whether the session still holds its PIN.
func (s *Session) IsActive(now time.Time) bool {
	switch s.State {
	case StateConnected:
		return true
	case StateWaiting:
		return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
	default:
		return false
	}
}

func (s *Session) Paired() bool {
	return s.State == StateConnected && s.PairedSessionID != nil
}

// Peer returns the paired session id, or "" when unpaired.
func (s *Session) Peer() string {
	if s.PairedSessionID == nil {
		return ""
	}
	return *s.PairedSessionID
}

type CreateOutputParams struct {
	ID        string
	PIN       string
	ExpiresAt time.Time
}

type CreateControlParams struct {
	ID              string
	PIN             string
	PairedSessionID string
	PairingToken    string
}

type ClaimOutputParams struct {
	OutputID     string
	ControlID    string
	PairingToken string
	PairedAt     time.Time
}

type ListSessionsParams struct {
	Role   SessionRole
	State  SessionState
	Limit  int
	Offset int
}

// Capability is what a control device keeps after pairing; every later call presents it.
type Capability struct {
	OutputSessionID  string `json:"outputSessionId"`
	ControlSessionID string `json:"controlSessionId"`
	PairingToken     string `json:"pairingToken"`
}

type SessionCounts struct {
	Waiting   int `db:"waiting" json:"waiting"`
	Connected int `db:"connected" json:"connected"`
	Expired   int `db:"expired" json:"expired"`
	Control   int `db:"control" json:"control"`
}
