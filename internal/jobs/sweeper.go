package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionMaintainer is the part of the kiosk service the sweeper drives.
type SessionMaintainer interface {
	ExpireUnclaimed(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context) (int, error)
	ReapStale(ctx context.Context) (int, error)
}

type AdminSessionCleaner interface {
	CleanupSessions(ctx context.Context) (int64, error)
}

// SessionSweeper expires unclaimed PINs, purges expired rows, reaps outputs that stopped
// sending heartbeats, and drops expired admin sessions.
type SessionSweeper struct {
	sessions SessionMaintainer
	admin    AdminSessionCleaner
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

func NewSessionSweeper(sessions SessionMaintainer, admin AdminSessionCleaner, interval time.Duration) *SessionSweeper {
	return &SessionSweeper{
		sessions: sessions,
		admin:    admin,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (j *SessionSweeper) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("session sweeper started")
}

// Stop signals the sweeper and waits for an in-flight pass to finish.
func (j *SessionSweeper) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("session sweeper stopped")
}

func (j *SessionSweeper) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one pass. Expiry is marked before purging so subscribers of an unclaimed
// output see expired before deleted.
func (j *SessionSweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runCleanup(ctx, "unclaimed outputs", j.sessions.ExpireUnclaimed)
	j.runCleanup(ctx, "expired sessions", j.sessions.PurgeExpired)
	j.runCleanup(ctx, "stale sessions", j.sessions.ReapStale)
	if j.admin != nil {
		j.runCleanup(ctx, "admin sessions", func(ctx context.Context) (int, error) {
			n, err := j.admin.CleanupSessions(ctx)
			return int(n), err
		})
	}
}

func (j *SessionSweeper) runCleanup(ctx context.Context, name string, fn func(context.Context) (int, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to sweep %s", name)
	} else if count > 0 {
		log.Info().Int("count", count).Msgf("swept %s", name)
	}
}
