package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

const maxPinAttempts = 10

// IssuePin creates a waiting output session holding a fresh PIN. The capacity check is
// read-then-act; concurrent calls may briefly overshoot the cap.
func (s *KioskService) IssuePin(ctx context.Context) (*model.Session, error) {
	active, err := readWithRetry(ctx, func() (int, error) {
		return s.repo.CountActiveOutputs(ctx)
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if active >= s.opts.MaxActiveOutputs {
		log.Warn().
			Int("active", active).
			Int("limit", s.opts.MaxActiveOutputs).
			Msg("output capacity reached")
		return nil, apperrors.CapacityExceeded(s.opts.MaxActiveOutputs)
	}

	for attempt := 0; attempt < maxPinAttempts; attempt++ {
		pin, err := util.GeneratePin()
		if err != nil {
			return nil, apperrors.Internal("failed to generate PIN").WithCause(err)
		}

		session, err := s.repo.CreateOutput(ctx, model.CreateOutputParams{
			ID:        util.NewSessionID(),
			PIN:       pin,
			ExpiresAt: s.opts.Now().Add(s.opts.PinTTL),
		})
		if errors.Is(err, repository.ErrPinTaken) {
			log.Debug().Int("attempt", attempt+1).Msg("pin collision, regenerating")
			continue
		}
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}

		log.Info().
			Str("sessionId", session.ID).
			Str("pin", util.MaskPin(pin)).
			Time("expiresAt", *session.ExpiresAt).
			Msg("output session created")

		s.auditor.Record(ctx, audit.Event{Type: audit.EventPinIssue, SessionID: session.ID})
		return session, nil
	}

	return nil, apperrors.Conflict("could not allocate a unique PIN")
}

// ResolvePin returns the active output session holding pin.
func (s *KioskService) ResolvePin(ctx context.Context, pin string) (*model.Session, error) {
	if !util.IsValidPin(pin) {
		return nil, apperrors.InvalidInput("pin", "must be 6 digits")
	}

	session, err := readWithRetry(ctx, func() (*model.Session, error) {
		return s.repo.FindActiveOutputByPin(ctx, pin)
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}
	return session, nil
}

func (s *KioskService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := readWithRetry(ctx, func() (*model.Session, error) {
		return s.repo.FindByID(ctx, id)
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}
	return session, nil
}
