package timeseries

import (
	"time"

	"marketsim/internal/domain/market"
)

// Store keeps one bounded series per instrument class
type Store struct {
	Spot    *Series[float64]
	Futures *Series[float64]
	Options *Series[market.OptionQuote]

	compressAfter time.Duration
}

// NewStore creates a store retaining retention hourly frames per class and
// compressing frames that closed more than compressAfter ago.
func NewStore(retention int, compressAfter time.Duration) *Store {
	return &Store{
		Spot:          NewSeries[float64](retention),
		Futures:       NewSeries[float64](retention),
		Options:       NewSeries[market.OptionQuote](retention),
		compressAfter: compressAfter,
	}
}

// Maintain compresses aged frames in every class relative to now
func (s *Store) Maintain(now time.Time) int {
	cutoff := now.Add(-s.compressAfter)
	return s.Spot.Compress(cutoff) + s.Futures.Compress(cutoff) + s.Options.Compress(cutoff)
}

// Len returns the number of frames retained for class
func (s *Store) Len(class market.InstrumentClass) int {
	switch class {
	case market.ClassSpot:
		return s.Spot.Len()
	case market.ClassFutures:
		return s.Futures.Len()
	case market.ClassOptions:
		return s.Options.Len()
	}
	return 0
}
