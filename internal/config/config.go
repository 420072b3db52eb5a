package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                    int      `env:"PORT" envDefault:"8080"`
	DatabaseURL             string   `env:"DATABASE_URL,required"`
	RedisURL                string   `env:"REDIS_URL,required"`
	LogLevel                string   `env:"LOG_LEVEL" envDefault:"info"`
	MaxActiveOutputs        int      `env:"MAX_ACTIVE_OUTPUTS" envDefault:"10"`
	PinTTLSeconds           int      `env:"PIN_TTL_SECONDS" envDefault:"300"`
	HeartbeatIntervalSecs   int      `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	LivenessTimeoutSeconds  int      `env:"LIVENESS_TIMEOUT_SECONDS" envDefault:"90"`
	SweepIntervalSeconds    int      `env:"SWEEP_INTERVAL_SECONDS" envDefault:"15"`
	AdminCodeHash           string   `env:"ADMIN_CODE_HASH"`
	AdminSessionSecret      string   `env:"ADMIN_SESSION_SECRET"`
	KafkaBrokers            []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAuditTopic         string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"kiosk.activity"`
	PairRateLimitPerMin     int      `env:"PAIR_RATE_LIMIT_PER_MIN" envDefault:"10"`
	IssueRateLimitPerMin    int      `env:"ISSUE_RATE_LIMIT_PER_MIN" envDefault:"30"`
	SendRateLimitPerMin     int      `env:"SEND_RATE_LIMIT_PER_MIN" envDefault:"120"`
}

func (c *Config) PinTTL() time.Duration {
	return time.Duration(c.PinTTLSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.MaxActiveOutputs <= 0 {
		return fmt.Errorf("MAX_ACTIVE_OUTPUTS must be positive")
	}
	if c.PinTTLSeconds <= 0 {
		return fmt.Errorf("PIN_TTL_SECONDS must be positive")
	}
	// A display must miss at least two heartbeats before the sweeper may reap it.
	if c.LivenessTimeoutSeconds < 2*c.HeartbeatIntervalSecs {
		return fmt.Errorf("LIVENESS_TIMEOUT_SECONDS must be at least twice HEARTBEAT_INTERVAL_SECONDS")
	}

	if c.AdminCodeHash != "" {
		if !strings.HasPrefix(c.AdminCodeHash, "$2a$") &&
			!strings.HasPrefix(c.AdminCodeHash, "$2b$") &&
			!strings.HasPrefix(c.AdminCodeHash, "$2y$") {
			return fmt.Errorf("ADMIN_CODE_HASH must be a bcrypt hash (generate with: go run scripts/hash-admin-code.go <code>)")
		}
	}

	if isProduction {
		if err := validateSecret("ADMIN_SESSION_SECRET", c.AdminSessionSecret); err != nil {
			return err
		}
		if c.AdminCodeHash == "" {
			log.Warn().Msg("ADMIN_CODE_HASH is empty in production: admin panel disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if len(c.KafkaBrokers) == 0 {
			log.Warn().Msg("KAFKA_BROKERS is empty in production: activity log is only written to stderr")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
