package testsupport

import (
	"context"
	"io/fs"
	"testing"

	"github.com/jmoiron/sqlx"

	"marketsim/internal/adapters/config"
	"marketsim/internal/adapters/postgres"
	"marketsim/migrations"
)

// PostgresTestHelper manages a transactional connection for integration tests.
type PostgresTestHelper struct {
	client     *postgres.Client
	tx         *sqlx.Tx
	rolledBack bool
}

// NewPostgresTestHelper opens a connection and begins a transaction that is always rolled back.
func NewPostgresTestHelper(t *testing.T, cfg config.PostgresConfig) *PostgresTestHelper {
	t.Helper()

	client, err := postgres.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}

	tx, err := client.DB().BeginTxx(context.Background(), nil)
	if err != nil {
		_ = client.Close()
		t.Fatalf("failed to start transaction: %v", err)
	}

	helper := &PostgresTestHelper{client: client, tx: tx}
	t.Cleanup(helper.Rollback)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return helper
}

// Tx returns the active transaction for the test.
func (h *PostgresTestHelper) Tx() *sqlx.Tx {
	return h.tx
}

// DB returns the underlying database handle.
func (h *PostgresTestHelper) DB() *sqlx.DB {
	return h.client.DB()
}

// Rollback rolls back the transaction once.
func (h *PostgresTestHelper) Rollback() {
	if h.rolledBack {
		return
	}
	_ = h.tx.Rollback()
	h.rolledBack = true
}

// ApplySchema runs every embedded up-migration inside the test transaction,
// so tables vanish with the rollback.
func (h *PostgresTestHelper) ApplySchema(t *testing.T) {
	t.Helper()

	names, err := postgres.PendingFiles(migrations.Postgres, "postgres", nil)
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}

	for _, name := range names {
		content, err := fs.ReadFile(migrations.Postgres, "postgres/"+name)
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		if _, err := h.tx.Exec(string(content)); err != nil {
			t.Fatalf("failed to apply %s: %v", name, err)
		}
	}
}

// NewTestPostgres creates a rolled-back transaction with the schema applied.
// Skips when the integration environment is not configured.
func NewTestPostgres(t *testing.T) *PostgresTestHelper {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	helper := NewPostgresTestHelper(t, PostgresConfigFromEnv(t))
	helper.ApplySchema(t)
	return helper
}
