package testsupport

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"marketsim/internal/adapters/clickhouse"
	"marketsim/migrations"
)

// ClickHouseTestHelper manages cleanup for ClickHouse integration tests.
type ClickHouseTestHelper struct {
	client *clickhouse.Client
}

// NewClickHouseTestHelper creates a ClickHouse client for tests.
// Skips when the integration environment is not configured.
func NewClickHouseTestHelper(t *testing.T) *ClickHouseTestHelper {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping clickhouse integration test in short mode")
	}
	cfg := ClickHouseConfigFromEnv(t)

	client, err := clickhouse.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to connect to clickhouse: %v", err)
	}

	helper := &ClickHouseTestHelper{client: client}
	t.Cleanup(func() { _ = client.Close() })
	return helper
}

// CreatePriceHistoryTable creates a uniquely named copy of the price_history
// table and drops it when the test ends.
func (h *ClickHouseTestHelper) CreatePriceHistoryTable(t *testing.T) string {
	t.Helper()

	schema, err := migrations.ClickHouse.ReadFile("clickhouse/000001_price_history.up.sql")
	if err != nil {
		t.Fatalf("failed to read price_history schema: %v", err)
	}

	table := fmt.Sprintf("price_history_test_%d", time.Now().UnixNano())
	query := strings.Replace(string(schema), "price_history", table, 1)

	ctx := context.Background()
	if err := h.client.Conn().Exec(ctx, query); err != nil {
		t.Fatalf("failed to create clickhouse table: %v", err)
	}

	t.Cleanup(func() {
		_ = h.client.Conn().Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
	})

	return table
}

// Client exposes the raw ClickHouse client for queries.
func (h *ClickHouseTestHelper) Client() *clickhouse.Client {
	return h.client
}
