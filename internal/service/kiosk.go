package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository"
)

// Publisher delivers session change events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, event notify.Event) error
}

// Auditor receives activity events. Implementations must not block the caller.
type Auditor interface {
	Record(ctx context.Context, event audit.Event)
}

// KioskOptions holds the admission and timing limits. A nil Now uses time.Now.
type KioskOptions struct {
	MaxActiveOutputs int
	PinTTL           time.Duration
	LivenessTimeout  time.Duration
	Now              func() time.Time
}

// KioskOptionsFromConfig reads the limits from the environment config.
func KioskOptionsFromConfig(cfg *config.Config) KioskOptions {
	return KioskOptions{
		MaxActiveOutputs: cfg.MaxActiveOutputs,
		PinTTL:           cfg.PinTTL(),
		LivenessTimeout:  cfg.LivenessTimeout(),
	}
}

// KioskService owns the pairing registry, session lifecycle, control channel and
// liveness checks. All cross-client coordination happens in the repository's
// conditional writes; the service itself holds no shared mutable state.
type KioskService struct {
	repo      repository.SessionRepository
	tx        repository.Transactor
	publisher Publisher
	auditor   Auditor
	opts      KioskOptions
}

func NewKioskService(
	repo repository.SessionRepository,
	tx repository.Transactor,
	publisher Publisher,
	auditor Auditor,
	opts KioskOptions,
) *KioskService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if auditor == nil {
		auditor = (*audit.Recorder)(nil)
	}
	return &KioskService{
		repo:      repo,
		tx:        tx,
		publisher: publisher,
		auditor:   auditor,
		opts:      opts,
	}
}

func (s *KioskService) MaxActiveOutputs() int {
	return s.opts.MaxActiveOutputs
}

// publish is best-effort: the store already holds the new state, and subscribers
// receive it in the snapshot when they resubscribe.
func (s *KioskService) publish(ctx context.Context, sessionID string, eventType notify.EventType, data any) {
	ev, err := notify.NewEvent(eventType, sessionID, data)
	if err == nil {
		err = s.publisher.Publish(ctx, sessionID, ev)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", sessionID).
			Str("eventType", string(eventType)).
			Msg("failed to publish session event")
	}
}

// readWithRetry retries an idempotent store read a bounded number of times.
func readWithRetry[T any](ctx context.Context, read func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= config.StoreReadAttempts; attempt++ {
		result, err = read()
		if err == nil {
			return result, nil
		}
		if attempt == config.StoreReadAttempts {
			break
		}

		log.Debug().Err(err).Int("attempt", attempt).Msg("store read failed, retrying")
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(config.StoreReadBackoff * time.Duration(attempt)):
		}
	}
	return result, err
}
