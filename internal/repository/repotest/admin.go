package repotest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository"
)

var (
	_ repository.AdminSessionRepository = (*AdminSessionStore)(nil)
	_ repository.SettingsRepository     = (*SettingsStore)(nil)
)

type AdminSessionStore struct {
	mu       sync.Mutex
	sessions map[string]model.AdminSession // tokenHash -> session
}

func NewAdminSessionStore() *AdminSessionStore {
	return &AdminSessionStore{sessions: make(map[string]model.AdminSession)}
}

func (s *AdminSessionStore) FindByTokenHash(_ context.Context, tokenHash string) (*model.AdminSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenHash]
	if !ok || !session.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return &session, nil
}

func (s *AdminSessionStore) Create(_ context.Context, params model.CreateAdminSessionParams) (*model.AdminSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := model.AdminSession{
		ID:        uuid.NewString(),
		TokenHash: params.TokenHash,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: time.Now(),
	}
	s.sessions[params.TokenHash] = session
	return &session, nil
}

func (s *AdminSessionStore) DeleteByTokenHash(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}

func (s *AdminSessionStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now()
	for hash, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, hash)
			n++
		}
	}
	return n, nil
}

type SettingsStore struct {
	mu       sync.Mutex
	settings map[string]model.Setting
}

func NewSettingsStore() *SettingsStore {
	return &SettingsStore{settings: make(map[string]model.Setting)}
}

func (s *SettingsStore) Get(_ context.Context, key string) (*model.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setting, ok := s.settings[key]
	if !ok {
		return nil, nil
	}
	return &setting, nil
}

func (s *SettingsStore) Put(_ context.Context, key string, value json.RawMessage) (*model.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setting := model.Setting{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		UpdatedAt: time.Now(),
	}
	s.settings[key] = setting
	return &setting, nil
}
