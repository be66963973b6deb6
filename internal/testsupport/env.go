package testsupport

import (
	"errors"
	"testing"

	"github.com/kelseyhightower/envconfig"

	"marketsim/internal/adapters/config"
)

// PostgresConfigFromEnv reads the postgres section the way the service does.
// Only postgres variables are consulted; the test is skipped when a required
// one is missing.
func PostgresConfigFromEnv(t *testing.T) config.PostgresConfig {
	t.Helper()
	var cfg config.PostgresConfig
	sectionFromEnv(t, "postgres", &cfg)
	return cfg
}

// ClickHouseConfigFromEnv reads the clickhouse section, skipping without CLICKHOUSE_HOST.
func ClickHouseConfigFromEnv(t *testing.T) config.ClickHouseConfig {
	t.Helper()
	var cfg config.ClickHouseConfig
	sectionFromEnv(t, "clickhouse", &cfg)
	return cfg
}

// RedisConfigFromEnv reads the redis section, skipping without REDIS_HOST.
func RedisConfigFromEnv(t *testing.T) config.RedisConfig {
	t.Helper()
	var cfg config.RedisConfig
	sectionFromEnv(t, "redis", &cfg)
	return cfg
}

// sectionFromEnv skips on a missing required key and fails on a malformed value.
func sectionFromEnv(t *testing.T, backend string, section any) {
	t.Helper()

	err := envconfig.Process("", section)
	if err == nil {
		return
	}

	var parseErr *envconfig.ParseError
	if errors.As(err, &parseErr) {
		t.Fatalf("invalid %s test environment: %v", backend, err)
	}
	t.Skipf("%s integration environment missing: %v", backend, err)
}
