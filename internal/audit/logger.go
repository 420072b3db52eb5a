package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventPinIssue             EventType = "pin_issue"
	EventPair                 EventType = "pair"
	EventPairRejected         EventType = "pair_rejected"
	EventDisconnect           EventType = "disconnect"
	EventForceDisconnect      EventType = "force_disconnect"
	EventExpire               EventType = "expire"
	EventLivenessTimeout      EventType = "liveness_timeout"
	EventAdminLogin           EventType = "admin_login"
	EventAdminLoginFailure    EventType = "admin_login_failure"
	EventAdminLogout          EventType = "admin_logout"
	EventSchoolBlockingUpdate EventType = "school_blocking_update"
	EventRateLimitExceed      EventType = "rate_limit_exceeded"
)

type Event struct {
	Type          EventType              `json:"type"`
	SessionID     string                 `json:"sessionId,omitempty"`
	PeerSessionID string                 `json:"peerSessionId,omitempty"`
	IP            string                 `json:"ip,omitempty"`
	UserAgent     string                 `json:"userAgent,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	At            time.Time              `json:"at"`
}

// Sink receives every recorded event after it has been logged.
type Sink interface {
	Write(ctx context.Context, event Event) error
	Close() error
}

// Recorder is the activity log. Record never blocks on or fails because of a sink.
type Recorder struct {
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if c, ok := ctx.Value(clientKey{}).(client); ok {
		if event.IP == "" {
			event.IP = c.ip
		}
		if event.UserAgent == "" {
			event.UserAgent = c.userAgent
		}
	}

	Log(ctx, event)

	if r == nil {
		return
	}
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("audit sink write failed")
		}
	}
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "activity").
		Str("event_type", string(event.Type)).
		Time("timestamp", event.At).
		Logger()

	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.PeerSessionID != "" {
		logger = logger.With().Str("peer_session_id", event.PeerSessionID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("activity audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

type clientKey struct{}

type client struct {
	ip        string
	userAgent string
}

// WithRequest stores the caller's address on ctx so events recorded deeper in the call
// chain carry it.
func WithRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, clientKey{}, client{ip: ClientIP(r), userAgent: r.UserAgent()})
}

func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
