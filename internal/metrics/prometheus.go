package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketsim_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"worker"},
	)

	WorkerLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketsim_worker_last_run_timestamp",
			Help: "Unix timestamp of last worker execution",
		},
		[]string{"worker"},
	)

	// Market engine metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketsim_tick_duration_seconds",
			Help:    "Hourly tick duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_ticks_total",
			Help: "Total number of hourly ticks",
		},
		[]string{"status"}, // status: success|error
	)

	InterestRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketsim_interest_rate",
			Help: "Interest rate used by the last tick",
		},
	)

	ListedTickers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketsim_listed_tickers",
			Help: "Number of tickers simulated",
		},
	)

	CompressedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsim_compressed_frames_total",
			Help: "Total number of frames subsampled by compression",
		},
	)

	Expirations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_expirations_total",
			Help: "Total number of weekly expirations",
		},
		[]string{"kind"}, // kind: futures|options
	)

	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_persistence_failures_total",
			Help: "Total number of failed writes that were deferred to the next tick",
		},
		[]string{"target"}, // target: backup|history|lattice|archive|ledger
	)

	LookupMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_lookup_misses_total",
			Help: "Total number of reads for unknown tickers or strikes",
		},
		[]string{"kind"}, // kind: spot|futures|options|strike
	)

	// Settlement metrics
	ArmedTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketsim_settlement_armed_timers",
			Help: "Number of live settlement timers",
		},
	)

	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_settlements_total",
			Help: "Total number of settlement handler runs",
		},
		[]string{"kind", "status"}, // status: success|error
	)

	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketsim_settlement_duration_seconds",
			Help:    "Settlement handler duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"kind"},
	)

	AccountConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsim_account_conflicts_total",
			Help: "Total number of optimistic version conflicts on account save",
		},
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"}, // database: postgres|clickhouse|redis
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketsim_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"database", "operation"},
	)

	// System metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_kafka_messages_total",
			Help: "Total number of Kafka messages",
		},
		[]string{"topic", "operation", "status"}, // operation: publish|consume
	)
)

// Init registers all metrics with Prometheus
func Init() {
	// Worker metrics
	prometheus.MustRegister(WorkerExecutions)
	prometheus.MustRegister(WorkerDuration)
	prometheus.MustRegister(WorkerLastRun)

	// Market engine metrics
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(Ticks)
	prometheus.MustRegister(InterestRate)
	prometheus.MustRegister(ListedTickers)
	prometheus.MustRegister(CompressedFrames)
	prometheus.MustRegister(Expirations)
	prometheus.MustRegister(PersistenceFailures)
	prometheus.MustRegister(LookupMisses)

	// Settlement metrics
	prometheus.MustRegister(ArmedTimers)
	prometheus.MustRegister(Settlements)
	prometheus.MustRegister(SettlementDuration)
	prometheus.MustRegister(AccountConflicts)

	// Database metrics
	prometheus.MustRegister(DBQueries)
	prometheus.MustRegister(DBQueryDuration)

	// System metrics
	prometheus.MustRegister(KafkaMessages)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	WorkerExecutions.WithLabelValues(worker, status(err)).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordTick records one hourly tick
func RecordTick(duration time.Duration, rate float64, tickers int, compressed int, err error) {
	Ticks.WithLabelValues(status(err)).Inc()
	TickDuration.Observe(duration.Seconds())
	if err != nil {
		return
	}
	InterestRate.Set(rate)
	ListedTickers.Set(float64(tickers))
	CompressedFrames.Add(float64(compressed))
}

// RecordExpiration records a weekly expiration
func RecordExpiration(kind string) {
	Expirations.WithLabelValues(kind).Inc()
}

// RecordPersistenceFailure records a write that failed and will be retried
func RecordPersistenceFailure(target string) {
	PersistenceFailures.WithLabelValues(target).Inc()
}

// RecordLookupMiss records a read for an unknown ticker or strike
func RecordLookupMiss(kind string) {
	LookupMisses.WithLabelValues(kind).Inc()
}

// RecordSettlement records one settlement handler run
func RecordSettlement(kind string, duration time.Duration, err error) {
	Settlements.WithLabelValues(kind, status(err)).Inc()
	SettlementDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetArmedTimers publishes the number of live settlement timers
func SetArmedTimers(n int) {
	ArmedTimers.Set(float64(n))
}

// RecordAccountConflict records an optimistic version mismatch
func RecordAccountConflict() {
	AccountConflicts.Inc()
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	DBQueries.WithLabelValues(database, operation, status(err)).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// RecordKafkaMessage records a produced or consumed message
func RecordKafkaMessage(topic, operation string, err error) {
	KafkaMessages.WithLabelValues(topic, operation, status(err)).Inc()
}
