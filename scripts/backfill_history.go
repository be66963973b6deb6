package main

// Replays the append-only history log (history.log) into the ClickHouse
// price archive. Safe to re-run: the archive table deduplicates on its
// sort key, so overlapping ranges collapse after merges.
//
// Usage:
//   go run scripts/backfill_history.go --data-dir ./data --from 2025-01-01 --to 2025-02-01

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	chclient "marketsim/internal/adapters/clickhouse"
	"marketsim/internal/adapters/config"
	"marketsim/internal/domain/market"
	chrepo "marketsim/internal/repository/clickhouse"
	"marketsim/internal/repository/filestore"
	"marketsim/internal/services/engine"
	"marketsim/internal/services/timeseries"
	"marketsim/migrations"
	"marketsim/pkg/logger"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "Directory containing history.log")
	file := flag.String("file", "", "Read this history log instead of <data-dir>/history.log")
	fromDate := flag.String("from", "", "Skip buckets before this date (YYYY-MM-DD)")
	toDate := flag.String("to", "", "Skip buckets at or after this date (YYYY-MM-DD)")
	batchSize := flag.Int("batch", 10000, "Rows per ClickHouse insert")
	flag.Parse()

	if err := logger.Init("info", "development"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get().With("component", "backfill")

	from, err := parseDate(*fromDate)
	if err != nil {
		log.Fatalf("Invalid --from (use YYYY-MM-DD): %v", err)
	}
	to, err := parseDate(*toDate)
	if err != nil {
		log.Fatalf("Invalid --to (use YYYY-MM-DD): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := chclient.NewClient(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to connect to ClickHouse: %v", err)
	}
	defer client.Close()
	if err := client.EnsureSchema(ctx, migrations.ClickHouse, "clickhouse"); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	archive := chrepo.NewPriceArchive(client.Conn(), chrepo.PriceArchiveConfig{MaxBatchSize: *batchSize})

	var buckets, skipped, rows int
	replay := func(bucket market.Bucket) error {
		if !from.IsZero() && bucket.Start.Before(from) || !to.IsZero() && !bucket.Start.Before(to) {
			skipped++
			return nil
		}
		batch := engine.ArchiveRows(bucket, nil, timeseries.Frame[float64]{}, timeseries.Frame[market.OptionQuote]{}, nil)
		if err := archive.Enqueue(batch); err != nil {
			return err
		}
		buckets++
		rows += len(batch)
		if buckets%500 == 0 {
			log.Infow("Backfill progress", "buckets", buckets, "rows", humanize.Comma(int64(rows)))
		}
		return nil
	}

	started := time.Now()
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("Failed to open history file: %v", err)
		}
		err = filestore.ScanHistory(ctx, f, replay)
		f.Close()
		if err != nil {
			log.Fatalf("Backfill failed: %v", err)
		}
	} else {
		store, err := filestore.NewBackupStore(*dataDir)
		if err != nil {
			log.Fatalf("Failed to open data dir: %v", err)
		}
		if err := store.ReadHistory(ctx, replay); err != nil {
			log.Fatalf("Backfill failed: %v", err)
		}
	}

	if err := archive.Stop(ctx); err != nil {
		log.Fatalf("Final flush failed: %v", err)
	}

	log.Infow("✅ Backfill complete",
		"buckets", buckets,
		"skipped", skipped,
		"rows", humanize.Comma(int64(rows)),
		"took", time.Since(started).Round(time.Millisecond),
	)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}
