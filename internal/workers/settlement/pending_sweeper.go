package settlement

import (
	"context"
	"time"

	"marketsim/internal/workers"
)

// Sweeper re-arms ledger entries that were left without a live timer
type Sweeper interface {
	SweepPending(ctx context.Context) (int, error)
}

// PendingSweeper periodically re-arms pending entries, for example ones whose
// delete failed after a successful settlement
type PendingSweeper struct {
	*workers.BaseWorker
	scheduler Sweeper
}

// NewPendingSweeper creates a new sweeper worker
func NewPendingSweeper(scheduler Sweeper, interval time.Duration, enabled bool) *PendingSweeper {
	return &PendingSweeper{
		BaseWorker: workers.NewBaseWorker("settlement_pending_sweeper", interval, enabled),
		scheduler:  scheduler,
	}
}

// Run executes one sweep
func (w *PendingSweeper) Run(ctx context.Context) error {
	n, err := w.scheduler.SweepPending(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.Log().Infow("Re-armed pending ledger entries", "count", n)
	}
	return nil
}
