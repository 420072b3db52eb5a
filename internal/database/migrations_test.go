package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrationsOrdered(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for _, m := range Migrations {
		assert.False(t, seen[m.Version], "duplicate version %s", m.Version)
		assert.Greater(t, m.Version, prev, "migrations must be ordered")
		assert.NotEmpty(t, m.SQL)
		seen[m.Version] = true
		prev = m.Version
	}
}

func TestSessionSchemaEnforcesUniqueActivePin(t *testing.T) {
	assert.Contains(t, Migrations[0].SQL, "CREATE UNIQUE INDEX IF NOT EXISTS idx_kiosk_sessions_active_pin")
	assert.Contains(t, Migrations[0].SQL, "WHERE role = 'output' AND state IN ('waiting', 'connected')")
}
