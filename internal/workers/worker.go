package workers

import (
	"context"
	"sync"
	"time"

	"marketsim/pkg/logger"
)

// Worker is a periodic background job
type Worker interface {
	Name() string

	// Run executes one iteration and returns
	Run(ctx context.Context) error

	Interval() time.Duration
	Enabled() bool
}

// Aligned workers fire on wall-clock multiples of their interval
// (the top of every hour for a 1h interval) instead of immediately on start
type Aligned interface {
	Aligned() bool
}

// WorkerWithHealth exposes run statistics
type WorkerWithHealth interface {
	Worker
	Health() WorkerHealth
	RecordRun(duration time.Duration)
	RecordError(err error, duration time.Duration)
}

// WorkerHealth is a snapshot of a worker's run history
type WorkerHealth struct {
	Name        string        `json:"name"`
	LastRun     time.Time     `json:"last_run"`
	LastError   string        `json:"last_error,omitempty"`
	RunCount    int64         `json:"run_count"`
	ErrorCount  int64         `json:"error_count"`
	AvgDuration time.Duration `json:"avg_duration"`
	Enabled     bool          `json:"enabled"`
}

// BaseWorker carries the bookkeeping every worker shares
type BaseWorker struct {
	name     string
	interval time.Duration
	aligned  bool
	log      *logger.Logger

	healthMu      sync.RWMutex
	enabled       bool
	lastRun       time.Time
	lastError     error
	runCount      int64
	errorCount    int64
	totalDuration time.Duration
}

// NewBaseWorker creates a new base worker
func NewBaseWorker(name string, interval time.Duration, enabled bool) *BaseWorker {
	return &BaseWorker{
		name:     name,
		interval: interval,
		enabled:  enabled,
		log:      logger.Get().With("worker", name),
	}
}

// NewAlignedWorker creates a base worker that runs on interval boundaries
func NewAlignedWorker(name string, interval time.Duration, enabled bool) *BaseWorker {
	w := NewBaseWorker(name, interval, enabled)
	w.aligned = true
	return w
}

func (w *BaseWorker) Name() string            { return w.name }
func (w *BaseWorker) Interval() time.Duration { return w.interval }
func (w *BaseWorker) Aligned() bool           { return w.aligned }

// Enabled returns whether the worker is enabled
func (w *BaseWorker) Enabled() bool {
	w.healthMu.RLock()
	defer w.healthMu.RUnlock()
	return w.enabled
}

// SetEnabled updates the enabled status. Takes effect on the next start.
func (w *BaseWorker) SetEnabled(enabled bool) {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()
	w.enabled = enabled
	w.log.Infow("Worker enabled state changed", "enabled", enabled)
}

// Log returns the logger
func (w *BaseWorker) Log() *logger.Logger {
	return w.log
}

// Health returns health information for the worker
func (w *BaseWorker) Health() WorkerHealth {
	w.healthMu.RLock()
	defer w.healthMu.RUnlock()

	h := WorkerHealth{
		Name:       w.name,
		LastRun:    w.lastRun,
		RunCount:   w.runCount,
		ErrorCount: w.errorCount,
		Enabled:    w.enabled,
	}
	if w.runCount > 0 {
		h.AvgDuration = time.Duration(int64(w.totalDuration) / w.runCount)
	}
	if w.lastError != nil {
		h.LastError = w.lastError.Error()
	}
	return h
}

// RecordRun records a successful run
func (w *BaseWorker) RecordRun(duration time.Duration) {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()

	w.lastRun = time.Now()
	w.runCount++
	w.totalDuration += duration
	w.lastError = nil
}

// RecordError records a failed run
func (w *BaseWorker) RecordError(err error, duration time.Duration) {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()

	w.lastRun = time.Now()
	w.runCount++
	w.errorCount++
	w.totalDuration += duration
	w.lastError = err
}

// NextBoundary returns the first multiple of interval (counted from the Unix
// epoch in now's location) strictly after now
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	next := now.Truncate(interval).Add(interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
