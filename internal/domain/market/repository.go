package market

import (
	"context"
	"time"
)

// BackupStore persists the crash-recovery snapshot of the spot market
type BackupStore interface {
	// LoadSpot returns the two most recent hourly spot buckets (previous, last).
	// Missing or malformed files yield errors.ErrBootstrap.
	LoadSpot(ctx context.Context) (prev, last Bucket, err error)
	SaveSpot(ctx context.Context, prev, last Bucket) error

	// AppendHistory appends one hourly record to the append-only history log
	AppendHistory(ctx context.Context, bucket Bucket) error

	// LoadLattices returns errors.ErrNotFound when no lattice was persisted yet
	LoadLattices(ctx context.Context) (map[Ticker]StrikeLattice, error)
	SaveLattices(ctx context.Context, lattices map[Ticker]StrikeLattice) error
}

// ArchiveRow is one archived minute sample
type ArchiveRow struct {
	Ticker     Ticker
	Class      InstrumentClass
	Strike     float64
	Right      string // "call", "put" or empty
	Timestamp  time.Time
	Price      float64
	NewsImpact float64
}

// Archive stores every produced bucket for long-term analysis
type Archive interface {
	Enqueue(rows []ArchiveRow) error
	QueryRange(ctx context.Context, ticker Ticker, class InstrumentClass, from, to time.Time) ([]ArchiveRow, error)
}

// RateProvider supplies the current period interest rate
type RateProvider interface {
	CurrentInterestRate(ctx context.Context) (float64, error)
}

// Reader is the read surface exposed to the command layer. Lookup misses
// are reported through the boolean, never as errors.
type Reader interface {
	SpotPrice(ticker Ticker) (float64, bool)
	SpotList() []SpotQuote
	FuturesPrice(ticker Ticker) (float64, bool)
	OptionPrices(ticker Ticker) (OptionChain, bool)
	StrikeIndex(ticker Ticker, strike float64) (int, bool)
	Lattice(ticker Ticker) (StrikeLattice, bool)
}
