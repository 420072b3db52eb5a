package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 30 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Ping timeouts for startup and health checks
const (
	DBPingTimeout    = 5 * time.Second
	RedisPingTimeout = 2 * time.Second
)

// Store read retries (idempotent lookups only)
const (
	StoreReadAttempts = 3
	StoreReadBackoff  = 50 * time.Millisecond
)

// Push channel keepalive
const (
	StreamPingInterval = 30 * time.Second
	WSReadTimeout      = 60 * time.Second
	WSWriteTimeout     = 5 * time.Second
)

// Admin sessions
const AdminSessionTTL = 12 * time.Hour

const RateLimitWindow = time.Minute
