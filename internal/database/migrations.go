package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

type Migration struct {
	Version     string
	Description string
	SQL         string
}

// Migrations is applied in order; a version is never edited once released.
var Migrations = []Migration{
	{
		Version:     "001",
		Description: "kiosk sessions",
		SQL: `
CREATE TABLE IF NOT EXISTS kiosk_sessions (
	id                TEXT PRIMARY KEY,
	pin               CHAR(6) NOT NULL,
	role              TEXT NOT NULL CHECK (role IN ('output', 'control')),
	state             TEXT NOT NULL CHECK (state IN ('waiting', 'connected', 'expired')),
	paired_session_id TEXT,
	pairing_token     TEXT,
	control_state     JSONB,
	control_state_at  TIMESTAMPTZ,
	heartbeat_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at        TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	paired_at         TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_kiosk_sessions_active_pin
	ON kiosk_sessions (pin)
	WHERE role = 'output' AND state IN ('waiting', 'connected');

CREATE INDEX IF NOT EXISTS idx_kiosk_sessions_state ON kiosk_sessions (role, state);
CREATE INDEX IF NOT EXISTS idx_kiosk_sessions_heartbeat ON kiosk_sessions (heartbeat_at);
CREATE INDEX IF NOT EXISTS idx_kiosk_sessions_paired ON kiosk_sessions (paired_session_id);
`,
	},
	{
		Version:     "002",
		Description: "admin sessions and settings",
		SQL: `
CREATE TABLE IF NOT EXISTS admin_sessions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	},
}

// Migrate creates the tracking table and applies every pending migration, each in its own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var applied []string
	if err := db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range Migrations {
		if done[m.Version] {
			continue
		}
		m := m
		err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		log.Info().Str("version", m.Version).Str("description", m.Description).Msg("migration applied")
	}

	return nil
}
