package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"marketsim/internal/domain/market"
	"marketsim/internal/metrics"
	"marketsim/pkg/clickhouse"
	"marketsim/pkg/errors"
)

var _ market.Archive = (*PriceArchive)(nil)

// PriceArchiveConfig tunes batching of archive inserts
type PriceArchiveConfig struct {
	Table        string // default price_history
	MaxBatchSize int
	MaxAge       time.Duration
}

// PriceArchive appends every produced minute sample to ClickHouse through a
// batch writer and serves range queries over the stored history
type PriceArchive struct {
	conn   driver.Conn
	table  string
	writer *clickhouse.BatchWriter[market.ArchiveRow]
}

type archiveRow struct {
	Ticker     string    `ch:"ticker"`
	Class      string    `ch:"class"`
	Strike     float64   `ch:"strike"`
	Right      string    `ch:"option_right"`
	Timestamp  time.Time `ch:"ts"`
	Price      float64   `ch:"price"`
	NewsImpact float64   `ch:"news_impact"`
}

// NewPriceArchive creates the archive. Call Start to enable age-based flushing.
func NewPriceArchive(conn driver.Conn, cfg PriceArchiveConfig) *PriceArchive {
	if cfg.Table == "" {
		cfg.Table = "price_history"
	}

	a := &PriceArchive{conn: conn, table: cfg.Table}
	a.writer = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig[market.ArchiveRow]{
		FlushFunc:    a.insert,
		TableName:    cfg.Table,
		MaxBatchSize: cfg.MaxBatchSize,
		MaxAge:       cfg.MaxAge,
		OnError: func(err error, lost int) {
			metrics.RecordPersistenceFailure("archive_flush")
		},
	})
	return a
}

// Start launches the periodic flush loop
func (a *PriceArchive) Start(ctx context.Context) {
	a.writer.Start(ctx)
}

// Stop flushes buffered rows
func (a *PriceArchive) Stop(ctx context.Context) error {
	return a.writer.Stop(ctx)
}

// Flush forces buffered rows out
func (a *PriceArchive) Flush(ctx context.Context) error {
	return a.writer.Flush(ctx)
}

// Enqueue buffers rows; the insert happens on a full buffer or on the next age flush
func (a *PriceArchive) Enqueue(rows []market.ArchiveRow) error {
	if len(rows) == 0 {
		return nil
	}
	return a.writer.AddAll(context.Background(), rows)
}

func (a *PriceArchive) insert(ctx context.Context, rows []market.ArchiveRow) error {
	start := time.Now()
	err := a.send(ctx, rows)
	metrics.RecordDBQuery("clickhouse", "archive_insert", time.Since(start), err)
	return err
}

func (a *PriceArchive) send(ctx context.Context, rows []market.ArchiveRow) error {
	batch, err := a.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (ticker, class, strike, option_right, ts, price, news_impact)
	`, a.table))
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}

	for _, row := range rows {
		err := batch.Append(
			string(row.Ticker), string(row.Class), row.Strike, row.Right,
			row.Timestamp, row.Price, row.NewsImpact,
		)
		if err != nil {
			return errors.Wrap(err, "failed to append archive row")
		}
	}

	return batch.Send()
}

// QueryRange returns the samples of one ticker and class with from <= ts < to, oldest first
func (a *PriceArchive) QueryRange(ctx context.Context, ticker market.Ticker, class market.InstrumentClass, from, to time.Time) ([]market.ArchiveRow, error) {
	if !class.Valid() {
		return nil, errors.NewValidationError("class", "must be spot, futures or options", class)
	}
	if !to.After(from) {
		return nil, errors.NewValidationError("to", "must be after from", to)
	}

	query := fmt.Sprintf(`
		SELECT ticker, class, strike, option_right, ts, price, news_impact
		FROM %s FINAL
		WHERE ticker = $1 AND class = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts, strike, option_right`, a.table)

	var rows []archiveRow
	start := time.Now()
	err := a.conn.Select(ctx, &rows, query, string(ticker), string(class), from.UTC(), to.UTC())
	metrics.RecordDBQuery("clickhouse", "archive_range", time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query price history")
	}

	out := make([]market.ArchiveRow, len(rows))
	for i, row := range rows {
		out[i] = market.ArchiveRow{
			Ticker:     market.Ticker(row.Ticker),
			Class:      market.InstrumentClass(row.Class),
			Strike:     row.Strike,
			Right:      row.Right,
			Timestamp:  row.Timestamp.UTC(),
			Price:      row.Price,
			NewsImpact: row.NewsImpact,
		}
	}
	return out, nil
}
