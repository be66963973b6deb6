package metrics

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"marketsim/pkg/logger"
)

// LedgerHashKey is the redis hash holding ledger entries when the redis backend is used
const LedgerHashKey = "settlement:ledger"

// CustomCollector reports ledger and account sizes straight from the stores
type CustomCollector struct {
	log      *logger.Logger
	postgres *sqlx.DB
	redis    *redis.Client

	// Descriptors
	ledgerEntries *prometheus.Desc
	accounts      *prometheus.Desc
}

// NewCustomCollector creates a new custom metrics collector. Either store may be nil.
func NewCustomCollector(log *logger.Logger, postgres *sqlx.DB, redis *redis.Client) *CustomCollector {
	return &CustomCollector{
		log:      log,
		postgres: postgres,
		redis:    redis,

		ledgerEntries: prometheus.NewDesc(
			"marketsim_ledger_entries",
			"Number of persisted settlement obligations",
			[]string{"backend", "kind"}, nil,
		),
		accounts: prometheus.NewDesc(
			"marketsim_accounts",
			"Number of accounts",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *CustomCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ledgerEntries
	ch <- c.accounts
}

// Collect implements prometheus.Collector
func (c *CustomCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.postgres != nil {
		c.collectLedgerStats(ctx, ch)
		c.collectAccountCount(ctx, ch)
	}
	if c.redis != nil {
		c.collectRedisLedgerSize(ctx, ch)
	}
}

func (c *CustomCollector) collectLedgerStats(ctx context.Context, ch chan<- prometheus.Metric) {
	type LedgerStat struct {
		Kind  string `db:"kind"`
		Count int    `db:"count"`
	}

	var stats []LedgerStat
	err := c.postgres.SelectContext(ctx, &stats, `
		SELECT command->>'kind' AS kind, COUNT(*) AS count
		FROM schedule_entries
		GROUP BY command->>'kind'
	`)
	if err != nil {
		c.log.Errorw("Failed to collect ledger stats", "error", err)
		return
	}

	for _, stat := range stats {
		ch <- prometheus.MustNewConstMetric(
			c.ledgerEntries,
			prometheus.GaugeValue,
			float64(stat.Count),
			"postgres", stat.Kind,
		)
	}
}

func (c *CustomCollector) collectAccountCount(ctx context.Context, ch chan<- prometheus.Metric) {
	var count int
	if err := c.postgres.GetContext(ctx, &count, "SELECT COUNT(*) FROM accounts"); err != nil {
		c.log.Errorw("Failed to collect account count", "error", err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.accounts, prometheus.GaugeValue, float64(count))
}

func (c *CustomCollector) collectRedisLedgerSize(ctx context.Context, ch chan<- prometheus.Metric) {
	n, err := c.redis.HLen(ctx, LedgerHashKey).Result()
	if err != nil {
		c.log.Errorw("Failed to collect redis ledger size", "error", err)
		return
	}

	ch <- prometheus.MustNewConstMetric(
		c.ledgerEntries,
		prometheus.GaugeValue,
		float64(n),
		"redis", "all",
	)
}

// RegisterCustomCollector registers the custom collector
func RegisterCustomCollector(collector *CustomCollector) {
	prometheus.MustRegister(collector)
}
