package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaultsToInProcessBackends(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()
	assert.Empty(t, cfg.Database.URL, "no database URL means the in-memory store")
	assert.Empty(t, cfg.Redis.Addr, "no redis addr means the in-process KV")
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db:5432/relay")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("OPENRELAY_PORT", "9090")
	t.Setenv("RETENTION_COLD_CACHE_DAYS", "7")

	cfg := Load()
	assert.Equal(t, "postgres://db:5432/relay", cfg.Database.URL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 7, cfg.Retention.ColdCacheDays)
}
