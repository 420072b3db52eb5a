package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
)

// Send overwrites the paired output's controlState with payload. The channel is
// last-write-wins; only the final state is guaranteed to be observed.
func (s *KioskService) Send(ctx context.Context, controlID, token string, payload model.ControlPayload) (time.Time, error) {
	raw, err := model.EncodeControlPayload(payload)
	if err != nil {
		return time.Time{}, apperrors.InvalidPayload(err.Error())
	}

	control, err := readWithRetry(ctx, func() (*model.Session, error) {
		return s.repo.FindByID(ctx, controlID)
	})
	if err != nil {
		return time.Time{}, apperrors.StoreUnavailable(err)
	}
	if control == nil {
		return time.Time{}, apperrors.NotPaired()
	}
	if control.Role != model.RoleControl {
		return time.Time{}, apperrors.Forbidden("only control sessions may send")
	}
	if err := checkPairingToken(control, token); err != nil {
		return time.Time{}, err
	}

	at, err := s.repo.WriteControlState(ctx, control.Peer(), control.ID, raw)
	if err != nil {
		return time.Time{}, apperrors.StoreUnavailable(err)
	}
	if at == nil {
		return time.Time{}, apperrors.NotPaired()
	}

	s.publish(ctx, control.Peer(), notify.EventControlState, raw)

	log.Debug().
		Str("sessionId", control.Peer()).
		Str("controlSessionId", control.ID).
		Str("page", string(payload.Page())).
		Msg("control state written")

	return *at, nil
}

// CurrentControlState returns the raw controlState of a session, or nil before the first write.
func (s *KioskService) CurrentControlState(ctx context.Context, sessionID string) (json.RawMessage, *time.Time, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.ControlState == nil {
		return nil, nil, nil
	}
	return *session.ControlState, session.ControlStateAt, nil
}
