// Package repotest provides in-memory repositories with the same conditional-write
// semantics as the Postgres implementations.
package repotest

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository"
)

var (
	_ repository.SessionRepository = (*SessionStore)(nil)
	_ repository.Transactor        = (*SessionStore)(nil)
)

// SessionStore is a SessionRepository and Transactor. All access is serialised; a
// transaction holds the lock for its whole duration and is undone if fn fails.
type SessionStore struct {
	mu    sync.Mutex
	state *sessionState
	err   error
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		state: &sessionState{
			rows: make(map[string]model.Session),
			now:  time.Now,
		},
	}
}

// SetClock replaces the store's notion of NOW().
func (s *SessionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.now = now
}

// SetError makes every subsequent call fail with err until cleared with nil.
func (s *SessionStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Len returns the number of stored rows regardless of state.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.rows)
}

// Put stores a row verbatim, bypassing every check.
func (s *SessionStore) Put(session model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.rows[session.ID] = session
}

// Remove drops a single row and leaves its peer in place.
func (s *SessionStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.rows, id)
}

func (s *SessionStore) InTx(ctx context.Context, fn func(repo repository.SessionRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}

	snapshot := make(map[string]model.Session, len(s.state.rows))
	for id, row := range s.state.rows {
		snapshot[id] = row
	}
	if err := fn(s.state); err != nil {
		s.state.rows = snapshot
		return err
	}
	return nil
}

func (s *SessionStore) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.FindByID(ctx, id)
}

func (s *SessionStore) FindActiveOutputByPin(ctx context.Context, pin string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.FindActiveOutputByPin(ctx, pin)
}

func (s *SessionStore) CountActiveOutputs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.state.CountActiveOutputs(ctx)
}

func (s *SessionStore) CreateOutput(ctx context.Context, params model.CreateOutputParams) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.CreateOutput(ctx, params)
}

func (s *SessionStore) CreateControl(ctx context.Context, params model.CreateControlParams) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.CreateControl(ctx, params)
}

func (s *SessionStore) ClaimOutput(ctx context.Context, params model.ClaimOutputParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.state.ClaimOutput(ctx, params)
}

func (s *SessionStore) WriteControlState(ctx context.Context, outputID, controlID string, state json.RawMessage) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.WriteControlState(ctx, outputID, controlID, state)
}

func (s *SessionStore) WriteNotice(ctx context.Context, id string, notice json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.state.WriteNotice(ctx, id, notice)
}

func (s *SessionStore) Touch(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.state.Touch(ctx, id)
}

func (s *SessionStore) DeleteSessions(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.DeleteSessions(ctx, ids)
}

func (s *SessionStore) List(ctx context.Context, params model.ListSessionsParams) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.List(ctx, params)
}

func (s *SessionStore) Counts(ctx context.Context) (model.SessionCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.SessionCounts{}, s.err
	}
	return s.state.Counts(ctx)
}

func (s *SessionStore) MarkExpired(ctx context.Context) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.MarkExpired(ctx)
}

func (s *SessionStore) DeleteExpired(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.DeleteExpired(ctx)
}

func (s *SessionStore) FindStale(ctx context.Context, before time.Time) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.state.FindStale(ctx, before)
}

// sessionState holds the rows. Its methods assume the caller holds SessionStore.mu.
type sessionState struct {
	rows map[string]model.Session
	now  func() time.Time
}

func (st *sessionState) activeOutput(s model.Session, now time.Time) bool {
	return s.Role == model.RoleOutput && s.IsActive(now)
}

func (st *sessionState) FindByID(_ context.Context, id string) (*model.Session, error) {
	s, ok := st.rows[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (st *sessionState) FindActiveOutputByPin(_ context.Context, pin string) (*model.Session, error) {
	now := st.now()
	for _, s := range st.rows {
		if s.PIN == pin && st.activeOutput(s, now) {
			found := s
			return &found, nil
		}
	}
	return nil, nil
}

func (st *sessionState) CountActiveOutputs(_ context.Context) (int, error) {
	now := st.now()
	count := 0
	for _, s := range st.rows {
		if st.activeOutput(s, now) {
			count++
		}
	}
	return count, nil
}

func (st *sessionState) CreateOutput(_ context.Context, params model.CreateOutputParams) (*model.Session, error) {
	for _, s := range st.rows {
		// Mirrors the partial unique index, which ignores expires_at.
		if s.Role == model.RoleOutput && s.PIN == params.PIN &&
			(s.State == model.StateWaiting || s.State == model.StateConnected) {
			return nil, repository.ErrPinTaken
		}
	}

	now := st.now()
	expiresAt := params.ExpiresAt
	s := model.Session{
		ID:          params.ID,
		PIN:         params.PIN,
		Role:        model.RoleOutput,
		State:       model.StateWaiting,
		HeartbeatAt: now,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
	}
	st.rows[s.ID] = s
	return &s, nil
}

func (st *sessionState) CreateControl(_ context.Context, params model.CreateControlParams) (*model.Session, error) {
	now := st.now()
	peer := params.PairedSessionID
	token := params.PairingToken
	s := model.Session{
		ID:              params.ID,
		PIN:             params.PIN,
		Role:            model.RoleControl,
		State:           model.StateConnected,
		PairedSessionID: &peer,
		PairingToken:    &token,
		HeartbeatAt:     now,
		CreatedAt:       now,
		PairedAt:        &now,
	}
	st.rows[s.ID] = s
	return &s, nil
}

func (st *sessionState) ClaimOutput(_ context.Context, params model.ClaimOutputParams) (bool, error) {
	now := st.now()
	s, ok := st.rows[params.OutputID]
	if !ok || s.Role != model.RoleOutput || s.State != model.StateWaiting ||
		s.PairedSessionID != nil || s.ExpiresAt == nil || !now.Before(*s.ExpiresAt) {
		return false, nil
	}

	peer := params.ControlID
	token := params.PairingToken
	pairedAt := params.PairedAt
	s.State = model.StateConnected
	s.PairedSessionID = &peer
	s.PairingToken = &token
	s.PairedAt = &pairedAt
	s.ExpiresAt = nil
	s.HeartbeatAt = now
	st.rows[s.ID] = s
	return true, nil
}

func (st *sessionState) WriteControlState(_ context.Context, outputID, controlID string, state json.RawMessage) (*time.Time, error) {
	s, ok := st.rows[outputID]
	if !ok || s.Role != model.RoleOutput || s.State != model.StateConnected || s.Peer() != controlID {
		return nil, nil
	}
	now := st.now()
	raw := append(json.RawMessage(nil), state...)
	s.ControlState = &raw
	s.ControlStateAt = &now
	st.rows[s.ID] = s
	return &now, nil
}

func (st *sessionState) WriteNotice(_ context.Context, id string, notice json.RawMessage) (bool, error) {
	s, ok := st.rows[id]
	if !ok {
		return false, nil
	}
	now := st.now()
	raw := append(json.RawMessage(nil), notice...)
	s.ControlState = &raw
	s.ControlStateAt = &now
	st.rows[id] = s
	return true, nil
}

func (st *sessionState) Touch(_ context.Context, id string) (bool, error) {
	s, ok := st.rows[id]
	if !ok || s.State == model.StateExpired {
		return false, nil
	}
	s.HeartbeatAt = st.now()
	st.rows[id] = s
	return true, nil
}

func (st *sessionState) DeleteSessions(_ context.Context, ids []string) ([]string, error) {
	deleted := []string{}
	for id, row := range st.rows {
		if slices.Contains(ids, id) || (row.PairedSessionID != nil && slices.Contains(ids, *row.PairedSessionID)) {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	for _, id := range deleted {
		delete(st.rows, id)
	}
	return deleted, nil
}

func (st *sessionState) List(_ context.Context, params model.ListSessionsParams) ([]model.Session, error) {
	sessions := []model.Session{}
	for _, s := range st.rows {
		if params.Role != "" && s.Role != params.Role {
			continue
		}
		if params.State != "" && s.State != params.State {
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	if params.Offset >= len(sessions) {
		return []model.Session{}, nil
	}
	sessions = sessions[params.Offset:]
	if params.Limit > 0 && params.Limit < len(sessions) {
		sessions = sessions[:params.Limit]
	}
	return sessions, nil
}

func (st *sessionState) Counts(_ context.Context) (model.SessionCounts, error) {
	var c model.SessionCounts
	for _, s := range st.rows {
		if s.Role == model.RoleControl {
			c.Control++
			continue
		}
		switch s.State {
		case model.StateWaiting:
			c.Waiting++
		case model.StateConnected:
			c.Connected++
		case model.StateExpired:
			c.Expired++
		}
	}
	return c, nil
}

func (st *sessionState) MarkExpired(_ context.Context) ([]model.Session, error) {
	now := st.now()
	expired := []model.Session{}
	for id, s := range st.rows {
		if s.Role == model.RoleOutput && s.State == model.StateWaiting &&
			s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
			s.State = model.StateExpired
			st.rows[id] = s
			expired = append(expired, s)
		}
	}
	return expired, nil
}

func (st *sessionState) DeleteExpired(_ context.Context) ([]string, error) {
	ids := []string{}
	for id, s := range st.rows {
		if s.State == model.StateExpired {
			delete(st.rows, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (st *sessionState) FindStale(_ context.Context, before time.Time) ([]model.Session, error) {
	stale := []model.Session{}
	for _, s := range st.rows {
		if s.Role == model.RoleOutput &&
			(s.State == model.StateWaiting || s.State == model.StateConnected) &&
			s.HeartbeatAt.Before(before) {
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].HeartbeatAt.Before(stale[j].HeartbeatAt) })
	return stale, nil
}
