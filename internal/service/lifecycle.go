package service

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

// Pair claims the output session holding pin for a new control session. The control
// row is inserted and the output flipped to connected in one transaction; the flip is
// conditional on the output still waiting, so exactly one concurrent claim commits.
// The claim is never retried.
func (s *KioskService) Pair(ctx context.Context, pin string) (*model.Capability, error) {
	if !util.IsValidPin(pin) {
		return nil, apperrors.InvalidPin()
	}

	output, err := readWithRetry(ctx, func() (*model.Session, error) {
		return s.repo.FindActiveOutputByPin(ctx, pin)
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if output == nil {
		return nil, s.rejectPair(ctx, "", apperrors.InvalidPin())
	}
	if output.State == model.StateConnected {
		return nil, s.rejectPair(ctx, output.ID, apperrors.AlreadyPaired())
	}

	token, err := util.GenerateToken()
	if err != nil {
		return nil, apperrors.Internal("failed to generate pairing token").WithCause(err)
	}
	capability := &model.Capability{
		OutputSessionID:  output.ID,
		ControlSessionID: util.NewSessionID(),
		PairingToken:     token,
	}

	err = s.tx.InTx(ctx, func(repo repository.SessionRepository) error {
		if _, err := repo.CreateControl(ctx, model.CreateControlParams{
			ID:              capability.ControlSessionID,
			PIN:             output.PIN,
			PairedSessionID: output.ID,
			PairingToken:    token,
		}); err != nil {
			return err
		}

		claimed, err := repo.ClaimOutput(ctx, model.ClaimOutputParams{
			OutputID:     output.ID,
			ControlID:    capability.ControlSessionID,
			PairingToken: token,
			PairedAt:     s.opts.Now(),
		})
		if err != nil {
			return err
		}
		if claimed {
			return nil
		}

		current, err := repo.FindByID(ctx, output.ID)
		if err != nil {
			return err
		}
		if current != nil && current.State == model.StateConnected {
			return apperrors.AlreadyPaired()
		}
		return apperrors.InvalidPin()
	})
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok {
			return nil, s.rejectPair(ctx, output.ID, appErr)
		}
		return nil, apperrors.StoreUnavailable(err)
	}

	paired := notify.PairedData{
		OutputSessionID:  capability.OutputSessionID,
		ControlSessionID: capability.ControlSessionID,
	}
	s.publish(ctx, capability.OutputSessionID, notify.EventPaired, paired)
	s.publish(ctx, capability.ControlSessionID, notify.EventPaired, paired)

	log.Info().
		Str("sessionId", capability.OutputSessionID).
		Str("controlSessionId", capability.ControlSessionID).
		Str("pin", util.MaskPin(pin)).
		Msg("session paired")

	s.auditor.Record(ctx, audit.Event{
		Type:          audit.EventPair,
		SessionID:     capability.OutputSessionID,
		PeerSessionID: capability.ControlSessionID,
	})
	return capability, nil
}

func (s *KioskService) rejectPair(ctx context.Context, outputID string, err *apperrors.AppError) error {
	log.Info().Str("sessionId", outputID).Str("reason", string(err.Code)).Msg("pair rejected")
	s.auditor.Record(ctx, audit.Event{
		Type:      audit.EventPairRejected,
		SessionID: outputID,
		Details:   map[string]interface{}{"reason": string(err.Code)},
	})
	return err
}

// Disconnect tears down sessionID and its peer. A session that is already gone is not an
// error. Control sessions require the pairing token; an output session id is only ever
// handed to its display, so it authorises itself.
func (s *KioskService) Disconnect(ctx context.Context, sessionID, token string) error {
	session, err := readWithRetry(ctx, func() (*model.Session, error) {
		return s.repo.FindByID(ctx, sessionID)
	})
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if session == nil {
		return nil
	}
	if err := checkPairingToken(session, token); err != nil {
		return err
	}

	if _, err := s.teardown(ctx, session, notify.ReasonDisconnect); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Event{
		Type:          audit.EventDisconnect,
		SessionID:     session.ID,
		PeerSessionID: session.Peer(),
	})
	return nil
}

// ForceDisconnect writes an admin notice into the peer's controlState, publishes it, and
// only then deletes the pair, so the peer's subscription sees the notice first. Like
// Disconnect, a session that is already gone is not an error.
func (s *KioskService) ForceDisconnect(ctx context.Context, sessionID, message string) error {
	session, err := readWithRetry(ctx, func() (*model.Session, error) {
		return s.repo.FindByID(ctx, sessionID)
	})
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if session == nil {
		return nil
	}

	notice := model.NewAdminNotice(message)
	if peer := session.Peer(); peer != "" {
		raw, err := json.Marshal(notice)
		if err != nil {
			return apperrors.Internal("failed to encode notice").WithCause(err)
		}
		written, err := s.repo.WriteNotice(ctx, peer, raw)
		if err != nil {
			return apperrors.StoreUnavailable(err)
		}
		if written {
			s.publish(ctx, peer, notify.EventAdminRemoved, notice)
		}
	}
	s.publish(ctx, session.ID, notify.EventAdminRemoved, notice)

	deleted, err := s.teardown(ctx, session, notify.ReasonForceDisconnect)
	if err != nil {
		return err
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("peerSessionId", session.Peer()).
		Int("deleted", len(deleted)).
		Msg("session force-disconnected")

	s.auditor.Record(ctx, audit.Event{
		Type:          audit.EventForceDisconnect,
		SessionID:     session.ID,
		PeerSessionID: session.Peer(),
		Details:       map[string]interface{}{"message": notice.Message},
	})
	return nil
}

// teardown deletes session and its peer as a unit and announces each deleted row.
func (s *KioskService) teardown(ctx context.Context, session *model.Session, reason string) ([]string, error) {
	ids := []string{session.ID}
	if peer := session.Peer(); peer != "" {
		ids = append(ids, peer)
	}

	deleted, err := s.repo.DeleteSessions(ctx, ids)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	for _, id := range deleted {
		s.publish(ctx, id, notify.EventDeleted, notify.DeletedData{Reason: reason})
	}

	log.Debug().
		Str("sessionId", session.ID).
		Strs("deleted", deleted).
		Str("reason", reason).
		Msg("session pair deleted")

	return deleted, nil
}

func checkPairingToken(session *model.Session, token string) error {
	if session.Role != model.RoleControl || session.PairingToken == nil {
		return nil
	}
	if token == "" || !util.ConstantTimeEqual(*session.PairingToken, token) {
		return apperrors.Forbidden("pairing token does not match")
	}
	return nil
}
