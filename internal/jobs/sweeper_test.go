package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository/repotest"
	"github.com/schoolkiosk/kiosk-relay-go/internal/service"
)

type recordingMaintainer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *recordingMaintainer) record(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	return 1, m.err
}

func (m *recordingMaintainer) ExpireUnclaimed(ctx context.Context) (int, error) {
	return m.record("expire")
}

func (m *recordingMaintainer) PurgeExpired(ctx context.Context) (int, error) {
	return m.record("purge")
}

func (m *recordingMaintainer) ReapStale(ctx context.Context) (int, error) {
	return m.record("reap")
}

func (m *recordingMaintainer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type countingAdmin struct {
	calls int
}

func (c *countingAdmin) CleanupSessions(ctx context.Context) (int64, error) {
	c.calls++
	return 0, nil
}

func TestSessionSweeper(t *testing.T) {
	t.Run("creates sweeper with correct interval", func(t *testing.T) {
		job := NewSessionSweeper(&recordingMaintainer{}, nil, 5*time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
	})

	t.Run("sweeps in order", func(t *testing.T) {
		m := &recordingMaintainer{}
		admin := &countingAdmin{}
		job := NewSessionSweeper(m, admin, time.Hour)

		job.Sweep()

		assert.Equal(t, []string{"expire", "purge", "reap"}, m.Calls())
		assert.Equal(t, 1, admin.calls)
	})

	t.Run("continues after a failing step", func(t *testing.T) {
		m := &recordingMaintainer{err: errors.New("store down")}
		job := NewSessionSweeper(m, nil, time.Hour)

		job.Sweep()

		assert.Len(t, m.Calls(), 3)
	})

	t.Run("runs on start and stops cleanly", func(t *testing.T) {
		m := &recordingMaintainer{}
		job := NewSessionSweeper(m, nil, 20*time.Millisecond)

		job.Start()
		time.Sleep(70 * time.Millisecond)
		job.Stop()

		calls := len(m.Calls())
		assert.GreaterOrEqual(t, calls, 6)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, calls, len(m.Calls()), "no sweeps after stop")
	})
}

func TestSessionSweeperExpiresUnclaimedOutputs(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	store := repotest.NewSessionStore()
	store.SetClock(clock)
	broker := notify.NewBroker(nil)
	defer broker.Close()

	svc := service.NewKioskService(store, store, broker, nil, service.KioskOptions{
		MaxActiveOutputs: 10,
		PinTTL:           5 * time.Minute,
		LivenessTimeout:  time.Hour,
		Now:              clock,
	})
	ctx := context.Background()

	out, err := svc.IssuePin(ctx)
	require.NoError(t, err)
	sub, err := broker.Subscribe(ctx, out.ID)
	require.NoError(t, err)
	defer broker.Unsubscribe(sub)

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()

	NewSessionSweeper(svc, nil, time.Hour).Sweep()

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, notify.EventExpired, (<-sub.Events).Type)
	deleted := <-sub.Events
	assert.Equal(t, notify.EventDeleted, deleted.Type)
	assert.JSONEq(t, `{"reason":"expired"}`, string(deleted.Data))

	_, err = svc.Pair(ctx, out.PIN)
	assert.Error(t, err)
}
