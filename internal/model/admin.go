package model

import (
	"encoding/json"
	"time"
)

type AdminSession struct {
	ID        string    `db:"id" json:"id"`
	TokenHash string    `db:"token_hash" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type CreateAdminSessionParams struct {
	TokenHash string
	ExpiresAt time.Time
}

// SettingSchoolBlocking is the global kill-switch read by the presentation layer only.
const SettingSchoolBlocking = "school_blocking"

type Setting struct {
	Key       string          `db:"key" json:"key"`
	Value     json.RawMessage `db:"value" json:"value"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

type SchoolBlocking struct {
	Enabled   bool       `json:"enabled"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}
