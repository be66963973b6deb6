package bootstrap

import (
	"math/rand/v2"
	"time"

	chclient "marketsim/internal/adapters/clickhouse"
	"marketsim/internal/adapters/config"
	errnoop "marketsim/internal/adapters/errors/noop"
	"marketsim/internal/adapters/errors/sentry"
	"marketsim/internal/adapters/kafka"
	pgclient "marketsim/internal/adapters/postgres"
	redisclient "marketsim/internal/adapters/redis"
	"marketsim/internal/api"
	"marketsim/internal/api/health"
	"marketsim/internal/api/rest"
	"marketsim/internal/consumers"
	"marketsim/internal/domain/account"
	"marketsim/internal/events"
	"marketsim/internal/metrics"
	chrepo "marketsim/internal/repository/clickhouse"
	"marketsim/internal/repository/filestore"
	pgrepo "marketsim/internal/repository/postgres"
	redisrepo "marketsim/internal/repository/redis"
	"marketsim/internal/services/engine"
	"marketsim/internal/services/expiration"
	"marketsim/internal/services/pricepath"
	settlementsvc "marketsim/internal/services/settlement"
	"marketsim/migrations"
	"marketsim/pkg/clock"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s %s in %s mode", cfg.App.Name, cfg.App.Version, cfg.App.Env)

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)

	metrics.Init()
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects the data stores and applies schemas
func (c *Container) MustInitInfrastructure() {
	var err error

	c.Log.Info("Connecting to PostgreSQL...")
	c.PG, err = pgclient.NewClient(c.Config.Postgres)
	if err != nil {
		c.Log.Fatalf("failed to connect postgres: %v", err)
	}
	if err := pgclient.NewMigrator(c.PG.DB(), migrations.Postgres, "postgres").Up(c.Context); err != nil {
		c.Log.Fatalf("failed to migrate postgres: %v", err)
	}
	c.Log.Info("✓ PostgreSQL connected")

	if c.Config.Market.ArchiveEnabled {
		c.Log.Info("Connecting to ClickHouse...")
		c.CH, err = chclient.NewClient(c.Config.ClickHouse)
		if err != nil {
			c.Log.Fatalf("failed to connect clickhouse: %v", err)
		}
		if err := c.CH.EnsureSchema(c.Context, migrations.ClickHouse, "clickhouse"); err != nil {
			c.Log.Fatalf("failed to apply clickhouse schema: %v", err)
		}
		c.Log.Info("✓ ClickHouse connected")
	}

	c.Log.Info("Connecting to Redis...")
	c.Redis, err = redisclient.NewClient(c.Config.Redis)
	if err != nil {
		c.Log.Fatalf("failed to connect redis: %v", err)
	}
	c.Log.Info("✓ Redis connected")

	metrics.RegisterCustomCollector(metrics.NewCustomCollector(c.Log, c.PG.DB(), c.Redis.Client()))
}

// ========================================
// Phase 3: Repositories
// ========================================

// MustInitRepositories builds every storage backend
func (c *Container) MustInitRepositories() {
	c.Repos.Account = pgrepo.NewAccountRepository(c.PG.DB())

	switch c.Config.Settlement.Backend {
	case "redis":
		c.Repos.Ledger = redisrepo.NewLedgerRepository(c.Redis.Client())
	default:
		c.Repos.Ledger = pgrepo.NewLedgerRepository(c.PG.DB())
	}

	backup, err := filestore.NewBackupStore(c.Config.Market.DataDir)
	if err != nil {
		c.Log.Fatalf("failed to open backup directory: %v", err)
	}
	c.Repos.Backup = backup

	if c.CH != nil {
		c.Repos.Archive = chrepo.NewPriceArchive(c.CH.Conn(), chrepo.PriceArchiveConfig{
			MaxBatchSize: c.Config.Market.ArchiveBatchSize,
			MaxAge:       c.Config.Market.ArchiveMaxAge,
		})
	}

	if c.Config.Market.RateFromRedis {
		c.Repos.Rates = redisrepo.NewRateRepository(c.Redis.Client())
	}

	c.Log.Infow("✓ Repositories initialized",
		"ledger_backend", c.Config.Settlement.Backend,
		"archive", c.Repos.Archive != nil,
		"rate_from_redis", c.Repos.Rates != nil,
	)
}

// ========================================
// Phase 4: External Adapters
// ========================================

// MustInitAdapters wires Kafka when enabled
func (c *Container) MustInitAdapters() {
	if !c.Config.Kafka.Enabled {
		c.Log.Info("Kafka disabled, events will not be published")
		return
	}

	c.Adapters.KafkaProducer = provideKafkaProducer(c.Config, c.Log)
	c.Adapters.Publisher = events.NewPublisher(c.Adapters.KafkaProducer, c.Log)
	c.Adapters.LedgerCommandConsumer = provideKafkaConsumer(c.Config, kafka.TopicLedgerCommands, c.Log)
}

// ========================================
// Phase 5: Services
// ========================================

// MustInitServices builds the engine and the settlement pipeline
func (c *Container) MustInitServices() {
	mc := c.Config.Market
	loc, err := time.LoadLocation(mc.Timezone)
	if err != nil {
		c.Log.Fatalf("invalid market timezone: %v", err)
	}

	c.Services.Expiry = expiration.NewClock(time.Now(), loc)

	engineDeps := engine.Deps{
		Generator: pricepath.NewGenerator(provideParams(mc), provideRand(mc.Seed)),
		Expiry:    c.Services.Expiry,
		Backup:    c.Repos.Backup,
		Clock:     clock.Real(),
	}
	// Optional collaborators stay untyped nil when absent
	if c.Repos.Archive != nil {
		engineDeps.Archive = c.Repos.Archive
	}
	if c.Repos.Rates != nil {
		engineDeps.Rates = c.Repos.Rates
	}
	if c.Adapters.Publisher != nil {
		engineDeps.Publisher = c.Adapters.Publisher
	}

	c.Services.Engine = engine.New(engine.Config{
		Params:           provideParams(mc),
		Jumps:            mc.JumpProbability > 0,
		BigNews:          mc.BigNewsEnabled,
		HoursPerRateUnit: mc.HoursPerRateUnit,
		StaticRate:       mc.InterestRate,
		Retention:        mc.RetentionFrames,
		CompressAfter:    time.Duration(mc.CompressAfterHours) * time.Hour,
		Location:         loc,
	}, engineDeps)

	c.Services.Accounts = account.NewService(c.Repos.Account, c.Config.Settlement.SaveRetries)
	c.Services.Settler = settlementsvc.NewSettler(c.Services.Accounts, c.Services.Engine)

	var notifier settlementsvc.Notifier
	if c.Adapters.Publisher != nil {
		notifier = c.Adapters.Publisher
	}
	sc := c.Config.Settlement
	c.Services.Settlement = settlementsvc.NewScheduler(c.Repos.Ledger, c.Services.Settler, notifier, clock.Real(), settlementsvc.Config{
		RetryDelay:     sc.RetryDelay,
		ReplayRate:     sc.ReplayRate,
		ReplayBurst:    sc.ReplayBurst,
		MaxConcurrency: sc.MaxConcurrency,
	})

	// Settlement runs before the announcement so consumers see settled accounts
	c.Services.Expiry.Subscribe(c.Services.Settlement)
	if c.Adapters.Publisher != nil {
		c.Services.Expiry.Subscribe(c.Adapters.Publisher)
	}

	c.Log.Infow("✓ Services initialized",
		"timezone", loc.String(),
		"futures_expiry_in", c.Services.Expiry.Remaining(expiration.KindFutures),
		"options_expiry_in", c.Services.Expiry.Remaining(expiration.KindOptions),
	)
}

// ========================================
// Phase 6: Application Layer
// ========================================

// MustInitApplication builds the health probes and the HTTP server
func (c *Container) MustInitApplication() {
	h := health.New(c.Log, c.Config.App.Name, c.Config.App.Version).
		AddCheck("postgres", true, c.PG.Health).
		AddCheck("redis", true, c.Redis.Health).
		AddCheck("market", true, c.Services.Engine.Ready)
	if c.CH != nil {
		h.AddCheck("clickhouse", false, c.CH.Health)
	}
	c.Application.HealthHandler = h

	deps := rest.Deps{
		Market:   c.Services.Engine,
		Ledger:   c.Services.Settlement,
		Accounts: c.Services.Accounts,
	}
	if c.Repos.Archive != nil {
		deps.Archive = c.Repos.Archive
	}
	if c.Repos.Rates != nil {
		deps.Rates = c.Repos.Rates
	}

	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Port:        c.Config.HTTP.Port,
		ServiceName: c.Config.App.Name,
		Version:     c.Config.App.Version,
	}, h, rest.NewHandler(deps, c.Log), c.Log)

	c.Log.Infow("✓ HTTP server configured", "port", c.Config.HTTP.Port)
}

// ========================================
// Phase 7: Background Processing
// ========================================

// MustInitBackground registers workers and event consumers
func (c *Container) MustInitBackground() {
	c.Background.WorkerScheduler = provideWorkers(c.Config, c.Services.Engine, c.Services.Settlement, c.Log)
	c.Application.HealthHandler.WithWorkers(c.Background.WorkerScheduler)

	if c.Adapters.LedgerCommandConsumer != nil {
		c.Background.LedgerCommands = consumers.NewLedgerCommandConsumer(
			c.Adapters.LedgerCommandConsumer,
			c.Services.Settlement,
			kafka.TopicLedgerCommands,
		)
	}

	c.Log.Info("✓ Background processing initialized")
}

// ========================================
// Helper Provider Functions
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment, cfg.App.Version)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}

func provideKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	log.Info("Initializing Kafka producer...")
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("Kafka brokers not configured, using default localhost:9092")
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
	})
	log.Info("✓ Kafka producer initialized")
	return producer
}

func provideKafkaConsumer(cfg *config.Config, topic string, log *logger.Logger) *kafka.Consumer {
	log.Infow("Initializing Kafka consumer", "topic", topic)
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   topic,
	})
	log.Infow("✓ Kafka consumer initialized", "topic", topic)
	return consumer
}

func provideParams(mc config.MarketConfig) pricepath.Params {
	return pricepath.Params{
		Volatility:         mc.Volatility,
		JumpProbability:    mc.JumpProbability,
		JumpSize:           mc.JumpSize,
		NewsProbability:    mc.NewsProbability,
		NewsScale:          mc.NewsScale,
		NewsFadeSteps:      mc.NewsFadeSteps,
		BigNewsProbability: mc.BigNewsProbability,
		BigNewsDrift:       mc.BigNewsDrift,
	}
}

// provideRand returns a deterministic source for a non-zero seed
func provideRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
