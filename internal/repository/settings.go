package repository

import (
	"context"
	"encoding/json"

	"github.com/schoolkiosk/kiosk-relay-go/internal/database"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*model.Setting, error)
	Put(ctx context.Context, key string, value json.RawMessage) (*model.Setting, error)
}

type settingsRepo struct {
	db database.DBTX
}

func NewSettingsRepository(db database.DBTX) SettingsRepository {
	return &settingsRepo{db: db}
}

func (r *settingsRepo) Get(ctx context.Context, key string) (*model.Setting, error) {
	var s model.Setting
	err := r.db.GetContext(ctx, &s, `SELECT key, value, updated_at FROM settings WHERE key = $1`, key)
	return HandleNotFound(&s, err)
}

func (r *settingsRepo) Put(ctx context.Context, key string, value json.RawMessage) (*model.Setting, error) {
	var s model.Setting
	err := r.db.GetContext(ctx, &s, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		RETURNING key, value, updated_at
	`, key, string(value))
	if err != nil {
		return nil, err
	}
	return &s, nil
}
