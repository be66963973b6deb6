package clickhouse

import (
	"context"
	"sync"
	"time"

	"marketsim/pkg/logger"
)

// FlushFunc performs the INSERT for one batch
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// BatchWriter buffers rows and hands them to FlushFunc when the buffer fills
// or MaxAge elapses. ClickHouse handles few large inserts far better than many small ones.
type BatchWriter[T any] struct {
	flushFunc FlushFunc[T]
	onError   func(err error, lost int)
	log       *logger.Logger

	maxBatchSize int
	maxAge       time.Duration
	tableName    string

	mu        sync.Mutex
	buffer    []T
	lastFlush time.Time
	running   bool
	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// BatchWriterConfig configures a BatchWriter
type BatchWriterConfig[T any] struct {
	FlushFunc    FlushFunc[T]
	TableName    string
	MaxBatchSize int           // default 500
	MaxAge       time.Duration // default 5s
	// OnError is told about every failed flush and how many rows it dropped
	OnError func(err error, lost int)
}

// NewBatchWriter creates a stopped writer; call Start to enable age-based flushing
func NewBatchWriter[T any](cfg BatchWriterConfig[T]) *BatchWriter[T] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}

	return &BatchWriter[T]{
		flushFunc:    cfg.FlushFunc,
		onError:      cfg.OnError,
		buffer:       make([]T, 0, cfg.MaxBatchSize),
		maxBatchSize: cfg.MaxBatchSize,
		maxAge:       cfg.MaxAge,
		tableName:    cfg.TableName,
		lastFlush:    time.Now(),
		stopCh:       make(chan struct{}),
		log:          logger.Get().With("component", "batch_writer", "table", cfg.TableName),
	}
}

// Start launches the periodic flush loop. The loop does a final flush when
// ctx is cancelled or Stop is called.
func (bw *BatchWriter[T]) Start(ctx context.Context) {
	bw.mu.Lock()
	if bw.running {
		bw.mu.Unlock()
		return
	}
	bw.running = true
	bw.ticker = time.NewTicker(bw.maxAge)
	bw.mu.Unlock()

	bw.wg.Add(1)
	go bw.flushLoop(ctx)

	bw.log.Infow("Batch writer started", "max_batch_size", bw.maxBatchSize, "max_age", bw.maxAge)
}

// Add buffers one row
func (bw *BatchWriter[T]) Add(ctx context.Context, item T) error {
	return bw.AddAll(ctx, []T{item})
}

// AddAll buffers rows in order, flushing synchronously whenever the buffer fills
func (bw *BatchWriter[T]) AddAll(ctx context.Context, items []T) error {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, items...)
	full := len(bw.buffer) >= bw.maxBatchSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(ctx)
	}
	return nil
}

// Flush writes everything buffered so far. A failed batch is dropped, not re-queued.
func (bw *BatchWriter[T]) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]T, 0, bw.maxBatchSize)
	bw.lastFlush = time.Now()
	bw.mu.Unlock()

	start := time.Now()
	err := bw.flushFunc(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		bw.log.Errorw("Batch flush failed", "rows", len(batch), "duration", duration, "error", err)
		if bw.onError != nil {
			bw.onError(err, len(batch))
		}
		return err
	}

	bw.log.Debugw("Batch flushed", "rows", len(batch), "duration", duration)
	return nil
}

func (bw *BatchWriter[T]) flushLoop(ctx context.Context) {
	defer bw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			bw.finalFlush()
			return
		case <-bw.stopCh:
			bw.finalFlush()
			return
		case <-bw.ticker.C:
			if bw.BufferSize() > 0 {
				_ = bw.Flush(ctx)
			}
		}
	}
}

func (bw *BatchWriter[T]) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bw.Flush(ctx); err != nil {
		bw.log.Errorw("Final flush failed", "error", err)
	}
}

// Stop flushes the remaining rows and waits for the loop to exit
func (bw *BatchWriter[T]) Stop(ctx context.Context) error {
	bw.mu.Lock()
	if !bw.running {
		bw.mu.Unlock()
		return bw.Flush(ctx)
	}
	bw.running = false
	bw.mu.Unlock()

	bw.ticker.Stop()
	close(bw.stopCh)

	done := make(chan struct{})
	go func() {
		bw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		bw.log.Info("Batch writer stopped")
		return nil
	case <-ctx.Done():
		bw.log.Warn("Batch writer stop timed out")
		return ctx.Err()
	}
}

// BufferSize returns the number of rows waiting for a flush
func (bw *BatchWriter[T]) BufferSize() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
