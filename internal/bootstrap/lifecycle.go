package bootstrap

import (
	"context"
	"sync"
	"time"

	chclient "marketsim/internal/adapters/clickhouse"
	"marketsim/internal/adapters/kafka"
	pgclient "marketsim/internal/adapters/postgres"
	redisclient "marketsim/internal/adapters/redis"
	"marketsim/internal/api"
	chrepo "marketsim/internal/repository/clickhouse"
	settlementsvc "marketsim/internal/services/settlement"
	"marketsim/internal/workers"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// Lifecycle manages graceful startup and shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 90 * time.Second,
	}
}

// ShutdownTargets lists everything Shutdown tears down. Nil fields are skipped.
type ShutdownTargets struct {
	WG                    *sync.WaitGroup
	HTTPServer            *api.Server
	WorkerScheduler       *workers.Scheduler
	Settlement            *settlementsvc.Scheduler
	LedgerCommandConsumer *kafka.Consumer
	Archive               *chrepo.PriceArchive
	KafkaProducer         *kafka.Producer
	PG                    *pgclient.Client
	CH                    *chclient.Client
	Redis                 *redisclient.Client
	ErrorTracker          errors.Tracker
}

// Shutdown performs coordinated cleanup of all components in order:
// 1. No new requests accepted
// 2. No new ticks or sweeps start
// 3. Armed settlement timers cancelled, in-flight handlers drained
// 4. Kafka consumers unblock before waiting for goroutines
// 5. Buffered archive rows flushed while ClickHouse is still open
// 6. Producer closes after everything that publishes
// 7. Database connections last
func (l *Lifecycle) Shutdown(t ShutdownTargets, log *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer shutdownCancel()

	log.Info("[1/9] Stopping HTTP server...")
	if t.HTTPServer != nil {
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		if err := t.HTTPServer.Shutdown(httpCtx); err != nil {
			log.Errorw("HTTP server shutdown failed", "error", err)
		} else {
			log.Info("✓ HTTP server stopped")
		}
		httpCancel()
	}

	log.Info("[2/9] Stopping background workers...")
	if t.WorkerScheduler != nil {
		if err := t.WorkerScheduler.Stop(); err != nil {
			log.Errorw("Workers shutdown failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	log.Info("[3/9] Stopping settlement scheduler...")
	if t.Settlement != nil {
		t.Settlement.Stop()
		log.Info("✓ Settlement timers cancelled")
	}

	// Closing unblocks ReadMessage() so the consumer goroutine can exit
	log.Info("[4/9] Closing Kafka consumers...")
	l.closeKafkaConsumers(map[string]*kafka.Consumer{
		"ledger_commands": t.LedgerCommandConsumer,
	}, log)

	log.Info("[5/9] Waiting for consumer goroutines...")
	if t.WG != nil {
		l.waitForGoroutines(t.WG, 5*time.Second, log)
	}

	log.Info("[6/9] Flushing price archive...")
	if t.Archive != nil {
		if err := t.Archive.Stop(shutdownCtx); err != nil {
			log.Errorw("Price archive flush failed", "error", err)
		} else {
			log.Info("✓ Price archive flushed")
		}
	}

	log.Info("[7/9] Closing Kafka producer...")
	if t.KafkaProducer != nil {
		if err := t.KafkaProducer.Close(); err != nil {
			log.Errorw("Kafka producer close failed", "error", err)
		} else {
			log.Info("✓ Kafka producer closed")
		}
	}

	log.Info("[8/9] Flushing error tracker and logs...")
	l.flushErrorTracker(shutdownCtx, t.ErrorTracker, log)
	if err := logger.Sync(); err != nil {
		log.Warn("Log sync completed with warnings")
	}

	log.Info("[9/9] Closing database connections...")
	l.closeDatabases(t.PG, t.CH, t.Redis, log)

	log.Info("✅ Graceful shutdown complete")
}

// closeKafkaConsumers closes all Kafka consumers
func (l *Lifecycle) closeKafkaConsumers(consumers map[string]*kafka.Consumer, log *logger.Logger) {
	for name, consumer := range consumers {
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				log.Errorw("Kafka consumer close failed", "consumer", name, "error", err)
			}
		}
	}
}

// waitForGoroutines waits for all goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("✓ All goroutines finished")
	case <-time.After(timeout):
		log.Warnw("⚠ Some goroutines did not finish within timeout", "timeout", timeout)
	}
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(ctx context.Context, tracker errors.Tracker, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Warnw("Error tracker flush failed", "error", err)
	} else {
		log.Info("✓ Error tracker flushed")
	}
}

// closeDatabases closes all database connections
func (l *Lifecycle) closeDatabases(
	pgClient *pgclient.Client,
	chClient *chclient.Client,
	redisClient *redisclient.Client,
	log *logger.Logger,
) {
	var dbErrors []error

	if pgClient != nil {
		if err := pgClient.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "postgres"))
		}
	}

	if chClient != nil {
		if err := chClient.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "clickhouse"))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "redis"))
		}
	}

	if len(dbErrors) > 0 {
		log.Errorw("Database close errors", "errors", dbErrors)
	} else {
		log.Info("✓ Database connections closed")
	}
}
