package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
)

// Heartbeat refreshes heartbeatAt. It never recreates a deleted session: a missing row
// is reported as NotFound so the device treats itself as disconnected.
func (s *KioskService) Heartbeat(ctx context.Context, sessionID string) error {
	ok, err := s.repo.Touch(ctx, sessionID)
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if !ok {
		return apperrors.NotFound("session")
	}
	return nil
}

// ExpireUnclaimed moves waiting outputs past their PIN TTL to expired.
func (s *KioskService) ExpireUnclaimed(ctx context.Context) (int, error) {
	expired, err := s.repo.MarkExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, session := range expired {
		s.publish(ctx, session.ID, notify.EventExpired, nil)
		s.auditor.Record(ctx, audit.Event{Type: audit.EventExpire, SessionID: session.ID})
	}
	return len(expired), nil
}

func (s *KioskService) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := s.repo.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.publish(ctx, id, notify.EventDeleted, notify.DeletedData{Reason: notify.ReasonExpired})
	}
	return len(ids), nil
}

// ReapStale tears down outputs, with their control sessions, whose heartbeat is older
// than the liveness timeout.
func (s *KioskService) ReapStale(ctx context.Context) (int, error) {
	before := s.opts.Now().Add(-s.opts.LivenessTimeout)
	stale, err := s.repo.FindStale(ctx, before)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range stale {
		session := &stale[i]
		if _, err := s.teardown(ctx, session, notify.ReasonLivenessTimeout); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to reap stale session")
			continue
		}
		reaped++

		log.Info().
			Str("sessionId", session.ID).
			Time("heartbeatAt", session.HeartbeatAt).
			Msg("liveness timeout")

		s.auditor.Record(ctx, audit.Event{
			Type:          audit.EventLivenessTimeout,
			SessionID:     session.ID,
			PeerSessionID: session.Peer(),
		})
	}
	return reaped, nil
}
