package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/adapters/config"
	pgclient "marketsim/internal/adapters/postgres"
	"marketsim/internal/domain/market"
	"marketsim/internal/repository/filestore"
	"marketsim/internal/services/pricepath"
	"marketsim/internal/testsupport/seeds"
	"marketsim/migrations"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

const defaultTickers = "ACME=100,GLOBEX=250,INITECH=42,UMBRELLA=180,WAYNE=320"

func main() {
	dataDir := flag.String("data-dir", "./data", "Directory for the price backup files")
	tickers := flag.String("tickers", defaultTickers, "Comma-separated TICKER=opening_price list")
	seed := flag.Uint64("seed", 0, "Random seed for the opening paths (0 = time-seeded)")
	force := flag.Bool("force", false, "Overwrite existing backup files")
	withAccounts := flag.Bool("accounts", false, "Also insert demo accounts into Postgres (reads env config)")
	dryRun := flag.Bool("dry-run", false, "Validate input without writing anything")
	flag.Parse()

	if err := logger.Init("info", "development"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()

	opening, err := parseTickers(*tickers)
	if err != nil {
		log.Fatalf("Invalid -tickers: %v", err)
	}

	log.Infow("Starting seeder",
		"data_dir", *dataDir,
		"tickers", len(opening),
		"accounts", *withAccounts,
		"dry_run", *dryRun,
	)

	if *dryRun {
		log.Info("✅ Dry-run mode: input validated")
		return
	}

	ctx := context.Background()

	store, err := filestore.NewBackupStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open data dir: %v", err)
	}

	if err := seedMarket(ctx, store, opening, *seed, *force); err != nil {
		log.Fatalf("Failed to seed market: %v", err)
	}
	log.Infow("✅ Market backup written", "data_dir", *dataDir)

	if !*withAccounts {
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	client, err := pgclient.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer client.Close()

	if err := pgclient.NewMigrator(client.DB(), migrations.Postgres, "postgres").Up(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	if err := seedAccounts(seeds.New(client.DB()).WithContext(ctx), opening); err != nil {
		log.Fatalf("Failed to seed accounts: %v", err)
	}
	log.Info("✅ All seeds applied successfully")
}

// parseTickers reads "A=1,B=2" into opening prices
func parseTickers(raw string) (map[market.Ticker]float64, error) {
	out := make(map[market.Ticker]float64)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, price, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "expected TICKER=price, got %q", item)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(price), 64)
		if err != nil || p <= 0 {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "bad opening price for %s", name)
		}
		out[market.Ticker(strings.ToUpper(strings.TrimSpace(name)))] = p
	}
	if len(out) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "no tickers")
	}
	return out, nil
}

// seedMarket generates two quiet hourly buckets per ticker and writes them
// as the previous/last spot backup
func seedMarket(ctx context.Context, store *filestore.BackupStore, opening map[market.Ticker]float64, seed uint64, force bool) error {
	if !force {
		if _, _, err := store.LoadSpot(ctx); err == nil {
			return errors.Wrap(errors.ErrAlreadyExists, "backup files exist, pass -force to overwrite")
		}
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	params := pricepath.DefaultParams()
	gen := pricepath.NewGenerator(params, rand.New(rand.NewPCG(seed, seed>>1)))

	prev := market.Bucket{Prices: make(map[market.Ticker][]float64, len(opening))}
	last := market.Bucket{Prices: make(map[market.Ticker][]float64, len(opening))}
	for ticker, price := range opening {
		first := gen.Generate(price, market.MinutesPerBucket, pricepath.Flags{}, nil)
		prev.Prices[ticker] = first.Prices
		second := gen.Generate(first.Prices[len(first.Prices)-1], market.MinutesPerBucket, pricepath.Flags{}, nil)
		last.Prices[ticker] = second.Prices
	}

	return store.SaveSpot(ctx, prev, last)
}

// seedAccounts inserts a funded demo account and one with a loan due tomorrow
func seedAccounts(s *seeds.Seeder, opening map[market.Ticker]float64) error {
	log := s.Log()

	tickers := market.SortedTickers(opening)

	rich := s.Account().
		WithID("demo_trader").
		WithBalance(decimal.NewFromInt(10_000_000)).
		WithStock(tickers[0], decimal.NewFromInt(100))
	if _, err := rich.Insert(); err != nil {
		return err
	}
	log.Infow("Created account", "id", "demo_trader")

	due := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	borrower, err := s.Account().
		WithID("demo_borrower").
		WithBalance(decimal.NewFromInt(50_000)).
		WithLoan(decimal.NewFromInt(20_000), decimal.NewFromInt(21_000), due).
		Insert()
	if err != nil {
		return err
	}
	if _, err := s.LedgerEntry().ForLoan(borrower, borrower.Loans[0]).Insert(); err != nil {
		return err
	}
	log.Infow("Created account with scheduled loan repayment", "id", borrower.ID, "due", due)

	return nil
}
