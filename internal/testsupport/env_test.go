package testsupport

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// clearEnv unsets keys for the duration of the test; an empty value still counts as set.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestPostgresConfigFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "localhost")
	t.Setenv("POSTGRES_USER", "user")
	t.Setenv("POSTGRES_PASSWORD", "pass")
	t.Setenv("POSTGRES_DB", "db")
	t.Setenv("POSTGRES_PORT", "5543")
	clearEnv(t, "POSTGRES_SSL_MODE", "CLICKHOUSE_HOST", "REDIS_HOST")

	cfg := PostgresConfigFromEnv(t)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5543, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
}

func TestClickHouseConfigFromEnv(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOST", "click")
	t.Setenv("CLICKHOUSE_PORT", "8123")
	clearEnv(t, "CLICKHOUSE_DB", "POSTGRES_HOST", "REDIS_HOST")

	cfg := ClickHouseConfigFromEnv(t)

	assert.Equal(t, "click", cfg.Host)
	assert.Equal(t, 8123, cfg.Port)
	assert.Equal(t, "market", cfg.Database)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	clearEnv(t, "POSTGRES_HOST", "CLICKHOUSE_HOST")

	cfg := RedisConfigFromEnv(t)

	assert.Equal(t, "redis:6380", cfg.Addr())
	assert.Equal(t, 2, cfg.DB)
}

func TestSectionFromEnv_SkipsOnlyWithoutOwnBackend(t *testing.T) {
	clearEnv(t, "REDIS_HOST")
	t.Setenv("POSTGRES_HOST", "localhost")

	skipped := true
	t.Run("redis", func(t *testing.T) {
		RedisConfigFromEnv(t)
		skipped = false
	})

	assert.True(t, skipped)
}
