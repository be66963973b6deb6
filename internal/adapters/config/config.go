package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"marketsim/pkg/errors"
)

type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	ErrorTracking ErrorTrackingConfig
	Market        MarketConfig
	Settlement    SettlementConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"marketsim"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type HTTPConfig struct {
	Port            int           `envconfig:"HTTP_PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" required:"true"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	Database string `envconfig:"POSTGRES_DB" required:"true"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Host     string `envconfig:"CLICKHOUSE_HOST" required:"true"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"market"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" required:"true"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"marketsim"`
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"true"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// MarketConfig drives the simulation. Probabilities and sizes are per minute step.
type MarketConfig struct {
	DataDir  string `envconfig:"MARKET_DATA_DIR" default:"./data"`
	Timezone string `envconfig:"MARKET_TIMEZONE" default:"Asia/Seoul"`

	Volatility float64 `envconfig:"MARKET_VOLATILITY" default:"0.002"`
	Seed       uint64  `envconfig:"MARKET_SEED" default:"0"` // 0 = time-seeded

	JumpProbability    float64 `envconfig:"MARKET_JUMP_PROBABILITY" default:"0.005"`
	JumpSize           float64 `envconfig:"MARKET_JUMP_SIZE" default:"0.03"`
	NewsProbability    float64 `envconfig:"MARKET_NEWS_PROBABILITY" default:"0.01"`
	NewsScale          float64 `envconfig:"MARKET_NEWS_SCALE" default:"0.05"`
	NewsFadeSteps      int     `envconfig:"MARKET_NEWS_FADE_STEPS" default:"10"`
	BigNewsProbability float64 `envconfig:"MARKET_BIG_NEWS_PROBABILITY" default:"0.3"`
	BigNewsDrift       float64 `envconfig:"MARKET_BIG_NEWS_DRIFT" default:"-0.02"`
	BigNewsEnabled     bool    `envconfig:"MARKET_BIG_NEWS_ENABLED" default:"false"`

	InterestRate       float64 `envconfig:"MARKET_INTEREST_RATE" default:"0.001"`
	HoursPerRateUnit   float64 `envconfig:"MARKET_HOURS_PER_RATE_UNIT" default:"24"`
	RateFromRedis      bool    `envconfig:"MARKET_RATE_FROM_REDIS" default:"false"`
	RetentionFrames    int     `envconfig:"MARKET_RETENTION_FRAMES" default:"672"`
	CompressAfterHours int     `envconfig:"MARKET_COMPRESS_AFTER_HOURS" default:"6"`

	ArchiveEnabled   bool          `envconfig:"MARKET_ARCHIVE_ENABLED" default:"true"`
	ArchiveBatchSize int           `envconfig:"MARKET_ARCHIVE_BATCH_SIZE" default:"5000"`
	ArchiveMaxAge    time.Duration `envconfig:"MARKET_ARCHIVE_MAX_AGE" default:"1m"`
}

type SettlementConfig struct {
	Backend        string        `envconfig:"LEDGER_BACKEND" default:"postgres"` // postgres | redis
	RetryDelay     time.Duration `envconfig:"SETTLEMENT_RETRY_DELAY" default:"1m"`
	ReplayRate     float64       `envconfig:"SETTLEMENT_REPLAY_RATE" default:"20"` // overdue entries released per second
	ReplayBurst    int           `envconfig:"SETTLEMENT_REPLAY_BURST" default:"5"`
	MaxConcurrency int           `envconfig:"SETTLEMENT_MAX_CONCURRENCY" default:"8"`
	SaveRetries    int           `envconfig:"SETTLEMENT_SAVE_RETRIES" default:"3"`
}

// WorkerConfig contains intervals for background workers
type WorkerConfig struct {
	TickInterval         time.Duration `envconfig:"WORKER_TICK_INTERVAL" default:"1h"` // Aligned to wall-clock boundaries
	TickEnabled          bool          `envconfig:"WORKER_TICK_ENABLED" default:"true"`
	PendingSweepInterval time.Duration `envconfig:"WORKER_PENDING_SWEEP_INTERVAL" default:"5m"`
	PendingSweepEnabled  bool          `envconfig:"WORKER_PENDING_SWEEP_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	var errs errors.MultiError

	switch c.Settlement.Backend {
	case "postgres", "redis":
	default:
		errs.Add(errors.NewValidationError("LEDGER_BACKEND", "must be postgres or redis", c.Settlement.Backend))
	}
	if c.Market.Volatility < 0 {
		errs.Add(errors.NewValidationError("MARKET_VOLATILITY", "must not be negative", c.Market.Volatility))
	}
	if c.Market.HoursPerRateUnit <= 0 {
		errs.Add(errors.NewValidationError("MARKET_HOURS_PER_RATE_UNIT", "must be positive", c.Market.HoursPerRateUnit))
	}
	if c.Market.RetentionFrames < 1 {
		errs.Add(errors.NewValidationError("MARKET_RETENTION_FRAMES", "must be at least 1", c.Market.RetentionFrames))
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs.Add(errors.NewValidationError("MARKET_TIMEZONE", err.Error(), c.Market.Timezone))
	}

	return errs.ToError()
}
