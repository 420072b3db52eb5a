package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

// SubscriberCounter reports how many push subscriptions this instance is serving.
type SubscriberCounter interface {
	TotalSubscribers() int
}

type AdminService struct {
	kiosk         *KioskService
	sessions      repository.SessionRepository
	adminSessions repository.AdminSessionRepository
	settings      repository.SettingsRepository
	subscribers   SubscriberCounter
	auditor       Auditor
	adminCodeHash string
	sessionSecret string
}

func NewAdminService(
	kiosk *KioskService,
	sessions repository.SessionRepository,
	adminSessions repository.AdminSessionRepository,
	settings repository.SettingsRepository,
	subscribers SubscriberCounter,
	auditor Auditor,
	adminCodeHash, sessionSecret string,
) *AdminService {
	if auditor == nil {
		auditor = (*audit.Recorder)(nil)
	}
	return &AdminService{
		kiosk:         kiosk,
		sessions:      sessions,
		adminSessions: adminSessions,
		settings:      settings,
		subscribers:   subscribers,
		auditor:       auditor,
		adminCodeHash: adminCodeHash,
		sessionSecret: sessionSecret,
	}
}

func (s *AdminService) Configured() bool {
	return s.adminCodeHash != ""
}

// Login checks code against the configured bcrypt hash and returns a new session token,
// or "" when the code is wrong.
func (s *AdminService) Login(ctx context.Context, code string) (string, error) {
	if !s.Configured() || !util.CheckPasswordHash(code, s.adminCodeHash) {
		s.auditor.Record(ctx, audit.Event{Type: audit.EventAdminLoginFailure})
		return "", nil
	}

	token, err := util.GenerateToken()
	if err != nil {
		return "", err
	}

	_, err = s.adminSessions.Create(ctx, model.CreateAdminSessionParams{
		TokenHash: util.HmacSHA256(s.sessionSecret, token),
		ExpiresAt: time.Now().Add(config.AdminSessionTTL),
	})
	if err != nil {
		return "", err
	}

	s.auditor.Record(ctx, audit.Event{Type: audit.EventAdminLogin})
	return token, nil
}

func (s *AdminService) Logout(ctx context.Context, token string) error {
	s.auditor.Record(ctx, audit.Event{Type: audit.EventAdminLogout})
	return s.adminSessions.DeleteByTokenHash(ctx, util.HmacSHA256(s.sessionSecret, token))
}

func (s *AdminService) ValidateSession(ctx context.Context, token string) bool {
	session, err := s.adminSessions.FindByTokenHash(ctx, util.HmacSHA256(s.sessionSecret, token))
	return err == nil && session != nil
}

func (s *AdminService) CleanupSessions(ctx context.Context) (int64, error) {
	return s.adminSessions.DeleteExpired(ctx)
}

func (s *AdminService) ListSessions(ctx context.Context, params model.ListSessionsParams) ([]model.Session, error) {
	sessions, err := s.sessions.List(ctx, params)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	return sessions, nil
}

func (s *AdminService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return s.kiosk.GetSession(ctx, id)
}

// ForceDisconnect is the elevated teardown path; callers have already been authorised.
func (s *AdminService) ForceDisconnect(ctx context.Context, id, message string) error {
	return s.kiosk.ForceDisconnect(ctx, id, message)
}

type Stats struct {
	Sessions         model.SessionCounts `json:"sessions"`
	MaxActiveOutputs int                 `json:"maxActiveOutputs"`
	Subscribers      int                 `json:"subscribers"`
}

func (s *AdminService) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := s.sessions.Counts(ctx)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	stats := &Stats{
		Sessions:         counts,
		MaxActiveOutputs: s.kiosk.MaxActiveOutputs(),
	}
	if s.subscribers != nil {
		stats.Subscribers = s.subscribers.TotalSubscribers()
	}
	return stats, nil
}

// GetSchoolBlocking reads the global kill-switch. An unset flag is disabled.
func (s *AdminService) GetSchoolBlocking(ctx context.Context) (*model.SchoolBlocking, error) {
	setting, err := s.settings.Get(ctx, model.SettingSchoolBlocking)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if setting == nil {
		return &model.SchoolBlocking{}, nil
	}

	var blocking model.SchoolBlocking
	if err := json.Unmarshal(setting.Value, &blocking); err != nil {
		log.Error().Err(err).Msg("corrupt school blocking setting, treating as disabled")
		return &model.SchoolBlocking{}, nil
	}
	updatedAt := setting.UpdatedAt
	blocking.UpdatedAt = &updatedAt
	return &blocking, nil
}

// SetSchoolBlocking updates the flag. It only affects the presentation layer; pairing
// and control operations never consult it.
func (s *AdminService) SetSchoolBlocking(ctx context.Context, enabled bool, message string) (*model.SchoolBlocking, error) {
	value, err := json.Marshal(model.SchoolBlocking{Enabled: enabled, Message: message})
	if err != nil {
		return nil, apperrors.Internal("failed to encode setting").WithCause(err)
	}

	setting, err := s.settings.Put(ctx, model.SettingSchoolBlocking, value)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	s.auditor.Record(ctx, audit.Event{
		Type:    audit.EventSchoolBlockingUpdate,
		Details: map[string]interface{}{"enabled": enabled},
	})

	updatedAt := setting.UpdatedAt
	return &model.SchoolBlocking{Enabled: enabled, Message: message, UpdatedAt: &updatedAt}, nil
}
