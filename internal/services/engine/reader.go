package engine

import (
	"math"

	"marketsim/internal/domain/market"
	"marketsim/internal/metrics"
	"marketsim/internal/services/expiration"
	"marketsim/internal/services/timeseries"
	"marketsim/pkg/errors"
)

// SpotPrice returns the spot price at the current minute
func (e *Engine) SpotPrice(ticker market.Ticker) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frame, ok := e.store.Spot.Latest()
	if !ok {
		return e.miss("spot")
	}
	samples, ok := frame.Buckets[ticker]
	if !ok || len(samples) == 0 {
		return e.miss("spot")
	}
	return samples[min(e.minuteIndex(frame.Start), len(samples)-1)], true
}

// SpotList returns every listed ticker with its current price and the
// change against the previous hourly close
func (e *Engine) SpotList() []market.SpotQuote {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frame, ok := e.store.Spot.Latest()
	if !ok {
		return nil
	}
	prev, hasPrev := e.store.Spot.Previous()
	idx := e.minuteIndex(frame.Start)

	quotes := make([]market.SpotQuote, 0, len(frame.Buckets))
	for _, ticker := range market.SortedTickers(frame.Buckets) {
		samples := frame.Buckets[ticker]
		if len(samples) == 0 {
			continue
		}
		quote := market.SpotQuote{Ticker: ticker, Price: samples[min(idx, len(samples)-1)]}
		if hasPrev {
			if prevSamples := prev.Buckets[ticker]; len(prevSamples) > 0 {
				quote.Change = round2(quote.Price - prevSamples[len(prevSamples)-1])
			}
		}
		quotes = append(quotes, quote)
	}
	return quotes
}

// FuturesPrice returns the futures price at the current minute
func (e *Engine) FuturesPrice(ticker market.Ticker) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frame, ok := e.store.Futures.Latest()
	if !ok {
		return e.miss("futures")
	}
	samples, ok := frame.Buckets[ticker]
	if !ok || len(samples) == 0 {
		return e.miss("futures")
	}
	return samples[min(e.minuteIndex(frame.Start), len(samples)-1)], true
}

// OptionPrices returns the current call and put prices for every strike
func (e *Engine) OptionPrices(ticker market.Ticker) (market.OptionChain, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frame, ok := e.store.Options.Latest()
	if !ok {
		metrics.RecordLookupMiss("options")
		return market.OptionChain{}, false
	}
	quotes, ok := frame.Buckets[ticker]
	lattice, listed := e.lattices[ticker]
	if !ok || !listed || len(quotes) == 0 {
		metrics.RecordLookupMiss("options")
		return market.OptionChain{}, false
	}

	quote := quotes[min(e.minuteIndex(frame.Start), len(quotes)-1)]
	return market.OptionChain{
		Strikes: lattice.Clone(),
		Call:    append([]float64(nil), quote.Call...),
		Put:     append([]float64(nil), quote.Put...),
	}, true
}

// StrikeIndex maps a strike onto the ticker's current lattice. Strikes that
// fell off the lattice after a re-anchor are not found.
func (e *Engine) StrikeIndex(ticker market.Ticker, strike float64) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	lattice, ok := e.lattices[ticker]
	if !ok {
		metrics.RecordLookupMiss("strike")
		return -1, false
	}
	idx, ok := lattice.IndexOf(strike)
	if !ok {
		metrics.RecordLookupMiss("strike")
	}
	return idx, ok
}

// Lattice returns a copy of the ticker's current strike lattice
func (e *Engine) Lattice(ticker market.Ticker) (market.StrikeLattice, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	lattice, ok := e.lattices[ticker]
	if !ok {
		return nil, false
	}
	return lattice.Clone(), true
}

// Tickers lists the simulated tickers
func (e *Engine) Tickers() []market.Ticker {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frame, ok := e.store.Spot.Latest()
	if !ok {
		return nil
	}
	return market.SortedTickers(frame.Buckets)
}

// Countdown returns the hours left until the next futures and options expiration
func (e *Engine) Countdown() (futures, options int) {
	return e.expiry.Remaining(expiration.KindFutures), e.expiry.Remaining(expiration.KindOptions)
}

// QueryRange returns spot or futures buckets covering the last hours and
// minutes, oldest first
func (e *Engine) QueryRange(class market.InstrumentClass, tickers []market.Ticker, hours, minutes int) ([]timeseries.BucketView[float64], error) {
	if hours < 0 || minutes < 0 {
		return nil, errors.NewValidationError("range", "must not be negative", hours*60+minutes)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock.Now()
	switch class {
	case market.ClassSpot:
		return e.store.Spot.Query(tickers, hours, minutes, now), nil
	case market.ClassFutures:
		return e.store.Futures.Query(tickers, hours, minutes, now), nil
	default:
		return nil, errors.NewValidationError("class", "use QueryOptions for options", class)
	}
}

// QueryOptions returns option buckets covering the last hours and minutes
func (e *Engine) QueryOptions(tickers []market.Ticker, hours, minutes int) ([]timeseries.BucketView[market.OptionQuote], error) {
	if hours < 0 || minutes < 0 {
		return nil, errors.NewValidationError("range", "must not be negative", hours*60+minutes)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Options.Query(tickers, hours, minutes, e.clock.Now()), nil
}

// FrameCount reports how many hourly frames are retained for class
func (e *Engine) FrameCount(class market.InstrumentClass) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Len(class)
}

func (e *Engine) miss(kind string) (float64, bool) {
	metrics.RecordLookupMiss(kind)
	return 0, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

var _ market.Reader = (*Engine)(nil)
