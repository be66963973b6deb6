package bootstrap

import (
	"context"
	"sync"

	chclient "marketsim/internal/adapters/clickhouse"
	"marketsim/internal/adapters/config"
	"marketsim/internal/adapters/kafka"
	pgclient "marketsim/internal/adapters/postgres"
	redisclient "marketsim/internal/adapters/redis"
	"marketsim/internal/api"
	"marketsim/internal/api/health"
	"marketsim/internal/consumers"
	"marketsim/internal/domain/account"
	"marketsim/internal/domain/settlement"
	"marketsim/internal/events"
	chrepo "marketsim/internal/repository/clickhouse"
	"marketsim/internal/repository/filestore"
	redisrepo "marketsim/internal/repository/redis"
	"marketsim/internal/services/engine"
	"marketsim/internal/services/expiration"
	settlementsvc "marketsim/internal/services/settlement"
	"marketsim/internal/workers"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure Layer (Data stores)
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	Repos       *Repositories
	Services    *Services
	Adapters    *Adapters
	Application *Application
	Background  *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Repositories groups all storage backends
type Repositories struct {
	Account account.Repository
	Ledger  settlement.Repository
	Backup  *filestore.BackupStore
	Archive *chrepo.PriceArchive      // nil when archiving is disabled
	Rates   *redisrepo.RateRepository // nil unless MARKET_RATE_FROM_REDIS
}

// Services groups the simulation and settlement services
type Services struct {
	Expiry     *expiration.Clock
	Engine     *engine.Engine
	Accounts   *account.Service
	Settler    *settlementsvc.Settler
	Settlement *settlementsvc.Scheduler
}

// Adapters groups all external adapters
type Adapters struct {
	// Kafka (nil when KAFKA_ENABLED=false)
	KafkaProducer         *kafka.Producer
	LedgerCommandConsumer *kafka.Consumer
	Publisher             *events.Publisher
}

// Application groups application layer components
type Application struct {
	HTTPServer    *api.Server
	HealthHandler *health.Handler
}

// Background groups all background processing components
type Background struct {
	WorkerScheduler *workers.Scheduler
	LedgerCommands  *consumers.LedgerCommandConsumer
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Repos:       &Repositories{},
		Services:    &Services{},
		Adapters:    &Adapters{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes all components in the correct order
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitRepositories()
	c.MustInitAdapters()
	c.MustInitServices()
	c.MustInitApplication()
	c.MustInitBackground()
}

// Start restores the market, re-arms settlement timers and starts serving.
// The engine is bootstrapped before anything can tick or read from it.
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	if err := c.Services.Engine.Bootstrap(c.Context); err != nil {
		return errors.Wrap(err, "failed to bootstrap market")
	}
	c.Log.Infow("✓ Market restored", "tickers", len(c.Services.Engine.Tickers()))

	if c.Repos.Archive != nil {
		c.Repos.Archive.Start(c.Context)
	}

	replayed, err := c.Services.Settlement.ReplayAll(c.Context)
	if err != nil {
		return errors.Wrap(err, "failed to replay settlement ledger")
	}
	c.Log.Infow("✓ Settlement ledger replayed", "entries", replayed)

	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	if err := c.startConsumers(); err != nil {
		return err
	}

	// Start HTTP server
	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Info("✓ All systems operational")
	return nil
}

// startConsumers starts all Kafka consumers in background goroutines
func (c *Container) startConsumers() error {
	if c.Background.LedgerCommands == nil {
		c.Log.Info("Kafka disabled, no event consumers started")
		return nil
	}

	consumers := []struct {
		name string
		svc  interface{ Start(context.Context) error }
	}{
		{"ledger_commands", c.Background.LedgerCommands},
	}

	c.WG.Add(len(consumers))
	for _, consumer := range consumers {
		svc := consumer.svc
		name := consumer.name
		go func() {
			defer c.WG.Done()
			if err := svc.Start(c.Context); err != nil && c.Context.Err() == nil {
				c.Log.Errorw(name+" consumer failed", "error", err)
			}
		}()
	}

	c.Log.Infow("✓ Event consumers started", "consumers", len(consumers))
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	// Cancel application context to signal all other components to stop
	c.Cancel()

	c.Lifecycle.Shutdown(ShutdownTargets{
		WG:                    c.WG,
		HTTPServer:            c.Application.HTTPServer,
		WorkerScheduler:       c.Background.WorkerScheduler,
		Settlement:            c.Services.Settlement,
		LedgerCommandConsumer: c.Adapters.LedgerCommandConsumer,
		Archive:               c.Repos.Archive,
		KafkaProducer:         c.Adapters.KafkaProducer,
		PG:                    c.PG,
		CH:                    c.CH,
		Redis:                 c.Redis,
		ErrorTracker:          c.ErrorTracker,
	}, c.Log)
}
