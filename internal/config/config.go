package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the OpenRelay gateway.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Redis     RedisConfig
	SMTP      SMTPConfig
	Telemetry TelemetryConfig
	Cache     CacheConfig
	Alerts    AlertsConfig
	Retention RetentionConfig
	Secrets   SecretsConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SMTPConfig is optional; when Host is empty the email dispatcher is
// not registered.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type CacheConfig struct {
	// TTL applied to hot cache entries.
	TTL time.Duration
}

type AlertsConfig struct {
	// Interval between alert evaluation cycles.
	Interval time.Duration
}

type RetentionConfig struct {
	// Interval between retention sweeps.
	Interval time.Duration
	// ColdCacheDays prunes cold cache entries not hit in this many days.
	// Zero disables pruning.
	ColdCacheDays int
	// UsageDays prunes usage ledger records older than this many days.
	// Zero disables pruning.
	UsageDays int
}

type SecretsConfig struct {
	// ProviderKeyBase64 is the base64-encoded 32-byte AES key used to
	// encrypt provider API keys at rest.
	ProviderKeyBase64 string
}

// Load reads configuration from environment variables with sensible defaults.
// A local .env file is loaded first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    envInt("OPENRELAY_PORT", 8080),
		Version: envStr("OPENRELAY_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			// Empty means the in-memory store; nothing survives restarts.
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			// Empty means the in-process KV client.
			Addr:     envStr("REDIS_ADDR", ""),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     envStr("SMTP_HOST", ""),
			Port:     envInt("SMTP_PORT", 587),
			Username: envStr("SMTP_USERNAME", ""),
			Password: envStr("SMTP_PASSWORD", ""),
			From:     envStr("SMTP_FROM", "alerts@openrelay.local"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "openrelay-gateway"),
		},
		Cache: CacheConfig{
			TTL: envDuration("CACHE_TTL", time.Hour),
		},
		Alerts: AlertsConfig{
			Interval: envDuration("ALERT_INTERVAL", time.Hour),
		},
		Retention: RetentionConfig{
			Interval:      envDuration("RETENTION_INTERVAL", 6*time.Hour),
			ColdCacheDays: envInt("RETENTION_COLD_CACHE_DAYS", 30),
			UsageDays:     envInt("RETENTION_USAGE_DAYS", 180),
		},
		Secrets: SecretsConfig{
			ProviderKeyBase64: envStr("PROVIDER_KEY_SECRET", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
