package market

import (
	"context"
	"time"

	"marketsim/internal/workers"
)

// Ticker advances the market by one hourly tick
type Ticker interface {
	Tick(ctx context.Context) error
}

// TickWorker drives the market engine on wall-clock hour boundaries
type TickWorker struct {
	*workers.BaseWorker
	engine Ticker
}

// NewTickWorker creates an aligned tick worker
func NewTickWorker(engine Ticker, interval time.Duration, enabled bool) *TickWorker {
	return &TickWorker{
		BaseWorker: workers.NewAlignedWorker("market_tick", interval, enabled),
		engine:     engine,
	}
}

// Run executes one tick
func (w *TickWorker) Run(ctx context.Context) error {
	return w.engine.Tick(ctx)
}
