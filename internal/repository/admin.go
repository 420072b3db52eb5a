package repository

import (
	"context"

	"github.com/schoolkiosk/kiosk-relay-go/internal/database"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

// AdminSessionRepository stores admin logins by token hash; the raw token only ever
// lives in the admin's cookie.
type AdminSessionRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error)
	Create(ctx context.Context, params model.CreateAdminSessionParams) (*model.AdminSession, error)
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

const adminSessionColumns = `id, token_hash, expires_at, created_at`

type adminSessionRepo struct {
	db database.DBTX
}

func NewAdminSessionRepository(db database.DBTX) AdminSessionRepository {
	return &adminSessionRepo{db: db}
}

// FindByTokenHash ignores sessions past expires_at even before the sweeper removes them.
func (r *adminSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error) {
	var session model.AdminSession
	err := r.db.GetContext(ctx, &session, `
		SELECT `+adminSessionColumns+` FROM admin_sessions
		WHERE token_hash = $1 AND expires_at > NOW()
	`, tokenHash)
	return HandleNotFound(&session, err)
}

func (r *adminSessionRepo) Create(ctx context.Context, params model.CreateAdminSessionParams) (*model.AdminSession, error) {
	var session model.AdminSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO admin_sessions (token_hash, expires_at)
		VALUES ($1, $2)
		RETURNING `+adminSessionColumns, params.TokenHash, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteByTokenHash is idempotent: logging out twice is not an error.
func (r *adminSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (r *adminSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
