package bootstrap

import (
	"marketsim/internal/adapters/config"
	"marketsim/internal/workers"
	marketworkers "marketsim/internal/workers/market"
	settlementworkers "marketsim/internal/workers/settlement"
	"marketsim/pkg/logger"
)

// provideWorkers registers the periodic background jobs
func provideWorkers(
	cfg *config.Config,
	engine marketworkers.Ticker,
	sweeper settlementworkers.Sweeper,
	log *logger.Logger,
) *workers.Scheduler {
	scheduler := workers.NewScheduler()
	wc := cfg.Workers

	// Hourly tick, fired on wall-clock boundaries
	scheduler.RegisterWorker(marketworkers.NewTickWorker(engine, wc.TickInterval, wc.TickEnabled))

	// Re-arms pending entries whose timers were lost (e.g. a failed replay)
	scheduler.RegisterWorker(settlementworkers.NewPendingSweeper(sweeper, wc.PendingSweepInterval, wc.PendingSweepEnabled))

	log.Infow("✓ Workers registered",
		"tick_interval", wc.TickInterval,
		"tick_enabled", wc.TickEnabled,
		"sweep_interval", wc.PendingSweepInterval,
		"sweep_enabled", wc.PendingSweepEnabled,
	)
	return scheduler
}
