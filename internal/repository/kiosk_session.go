package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/schoolkiosk/kiosk-relay-go/internal/database"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

// ErrPinTaken is returned by CreateOutput when another active output already holds the PIN.
var ErrPinTaken = errors.New("pin held by an active output session")

// SessionRepository is the persistent session store. Find methods return (nil, nil) for a
// missing row; conditional writes report whether a row matched instead of failing.
type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindActiveOutputByPin(ctx context.Context, pin string) (*model.Session, error)
	CountActiveOutputs(ctx context.Context) (int, error)
	CreateOutput(ctx context.Context, params model.CreateOutputParams) (*model.Session, error)
	CreateControl(ctx context.Context, params model.CreateControlParams) (*model.Session, error)
	ClaimOutput(ctx context.Context, params model.ClaimOutputParams) (bool, error)
	WriteControlState(ctx context.Context, outputID, controlID string, state json.RawMessage) (*time.Time, error)
	WriteNotice(ctx context.Context, id string, notice json.RawMessage) (bool, error)
	Touch(ctx context.Context, id string) (bool, error)
	DeleteSessions(ctx context.Context, ids []string) ([]string, error)
	List(ctx context.Context, params model.ListSessionsParams) ([]model.Session, error)
	Counts(ctx context.Context) (model.SessionCounts, error)
	MarkExpired(ctx context.Context) ([]model.Session, error)
	DeleteExpired(ctx context.Context) ([]string, error)
	FindStale(ctx context.Context, before time.Time) ([]model.Session, error)
}

// Transactor runs fn against a repository bound to a single transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(repo SessionRepository) error) error
}

type sessionRepo struct {
	db database.DBTX
	// tx is nil when the repository is already bound to a transaction.
	tx *database.DB
}

func NewSessionRepository(db *database.DB) SessionRepository {
	return &sessionRepo{db: db.DB, tx: db}
}

type sessionTransactor struct {
	db *database.DB
}

func NewTransactor(db *database.DB) Transactor {
	return &sessionTransactor{db: db}
}

func (t *sessionTransactor) InTx(ctx context.Context, fn func(repo SessionRepository) error) error {
	return t.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&sessionRepo{db: tx})
	})
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.db.GetContext(ctx, &s, `SELECT * FROM kiosk_sessions WHERE id = $1`, id)
	return HandleNotFound(&s, err)
}

func (r *sessionRepo) FindActiveOutputByPin(ctx context.Context, pin string) (*model.Session, error) {
	var s model.Session
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM kiosk_sessions
		WHERE pin = $1 AND role = 'output'
		  AND (state = 'connected' OR (state = 'waiting' AND expires_at > NOW()))
	`, pin)
	return HandleNotFound(&s, err)
}

func (r *sessionRepo) CountActiveOutputs(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM kiosk_sessions
		WHERE role = 'output'
		  AND (state = 'connected' OR (state = 'waiting' AND expires_at > NOW()))
	`)
	return count, err
}

func (r *sessionRepo) CreateOutput(ctx context.Context, params model.CreateOutputParams) (*model.Session, error) {
	var s model.Session
	err := r.db.GetContext(ctx, &s, `
		INSERT INTO kiosk_sessions (id, pin, role, state, expires_at)
		VALUES ($1, $2, 'output', 'waiting', $3)
		RETURNING *
	`, params.ID, params.PIN, params.ExpiresAt)
	if isUniqueViolation(err) {
		return nil, ErrPinTaken
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) CreateControl(ctx context.Context, params model.CreateControlParams) (*model.Session, error) {
	var s model.Session
	err := r.db.GetContext(ctx, &s, `
		INSERT INTO kiosk_sessions (id, pin, role, state, paired_session_id, pairing_token, paired_at)
		VALUES ($1, $2, 'control', 'connected', $3, $4, NOW())
		RETURNING *
	`, params.ID, params.PIN, params.PairedSessionID, params.PairingToken)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ClaimOutput flips a waiting output to connected. Concurrent claims serialise on the row
// lock; every claim after the first matches zero rows.
func (r *sessionRepo) ClaimOutput(ctx context.Context, params model.ClaimOutputParams) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE kiosk_sessions SET
			state = 'connected',
			paired_session_id = $2,
			pairing_token = $3,
			paired_at = $4,
			expires_at = NULL,
			heartbeat_at = NOW()
		WHERE id = $1 AND role = 'output' AND state = 'waiting'
		  AND paired_session_id IS NULL AND expires_at > NOW()
	`, params.OutputID, params.ControlID, params.PairingToken, params.PairedAt)
	return affected(result, err)
}

func (r *sessionRepo) WriteControlState(ctx context.Context, outputID, controlID string, state json.RawMessage) (*time.Time, error) {
	var at time.Time
	err := r.db.GetContext(ctx, &at, `
		UPDATE kiosk_sessions SET control_state = $3, control_state_at = NOW()
		WHERE id = $1 AND role = 'output' AND state = 'connected' AND paired_session_id = $2
		RETURNING control_state_at
	`, outputID, controlID, string(state))
	return HandleNotFound(&at, err)
}

func (r *sessionRepo) WriteNotice(ctx context.Context, id string, notice json.RawMessage) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE kiosk_sessions SET control_state = $2, control_state_at = NOW()
		WHERE id = $1
	`, id, string(notice))
	return affected(result, err)
}

// Touch records a heartbeat. It never creates a row: a missing or expired session reports false.
func (r *sessionRepo) Touch(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE kiosk_sessions SET heartbeat_at = NOW()
		WHERE id = $1 AND state <> 'expired'
	`, id)
	return affected(result, err)
}

// DeleteSessions deletes ids together with every row paired to one of them, so a pair
// claimed after the caller read it still goes as a unit. The rows are locked first: a
// claim in flight on one of them either commits before the DELETE takes its snapshot or
// finds the output gone and rolls back.
func (r *sessionRepo) DeleteSessions(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	if r.tx == nil {
		return r.deleteLocked(ctx, ids)
	}

	var deleted []string
	err := r.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		deleted, err = (&sessionRepo{db: tx}).deleteLocked(ctx, ids)
		return err
	})
	return deleted, err
}

func (r *sessionRepo) deleteLocked(ctx context.Context, ids []string) ([]string, error) {
	if _, err := r.db.ExecContext(ctx, `
		SELECT id FROM kiosk_sessions WHERE id = ANY($1) FOR UPDATE
	`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lock sessions: %w", err)
	}

	deleted := []string{}
	err := r.db.SelectContext(ctx, &deleted, `
		DELETE FROM kiosk_sessions
		WHERE id = ANY($1) OR paired_session_id = ANY($1)
		RETURNING id
	`, pq.Array(ids))
	return deleted, err
}

func (r *sessionRepo) List(ctx context.Context, params model.ListSessionsParams) ([]model.Session, error) {
	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM kiosk_sessions
		WHERE ($1 = '' OR role = $1) AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`, string(params.Role), string(params.State), params.Limit, params.Offset)
	return sessions, err
}

func (r *sessionRepo) Counts(ctx context.Context) (model.SessionCounts, error) {
	var c model.SessionCounts
	err := r.db.GetContext(ctx, &c, `
		SELECT
			COUNT(*) FILTER (WHERE role = 'output' AND state = 'waiting')   AS waiting,
			COUNT(*) FILTER (WHERE role = 'output' AND state = 'connected') AS connected,
			COUNT(*) FILTER (WHERE role = 'output' AND state = 'expired')   AS expired,
			COUNT(*) FILTER (WHERE role = 'control')                        AS control
		FROM kiosk_sessions
	`)
	return c, err
}

func (r *sessionRepo) MarkExpired(ctx context.Context) ([]model.Session, error) {
	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		UPDATE kiosk_sessions SET state = 'expired'
		WHERE role = 'output' AND state = 'waiting' AND expires_at <= NOW()
		RETURNING *
	`)
	return sessions, err
}

func (r *sessionRepo) DeleteExpired(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, `
		DELETE FROM kiosk_sessions WHERE state = 'expired' RETURNING id
	`)
	return ids, err
}

// FindStale lists active outputs whose last heartbeat is older than before.
func (r *sessionRepo) FindStale(ctx context.Context, before time.Time) ([]model.Session, error) {
	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM kiosk_sessions
		WHERE role = 'output' AND state IN ('waiting', 'connected') AND heartbeat_at < $1
		ORDER BY heartbeat_at
	`, before)
	return sessions, err
}
