package market

import (
	"sort"
	"time"
)

// Ticker is an opaque symbol identifying one listed instrument
type Ticker string

// String returns string representation
func (t Ticker) String() string {
	return string(t)
}

// InstrumentClass separates the spot series from its derivatives
type InstrumentClass string

const (
	ClassSpot    InstrumentClass = "spot"
	ClassFutures InstrumentClass = "futures"
	ClassOptions InstrumentClass = "options"
)

// Valid checks if class is one of the known instrument classes
func (c InstrumentClass) Valid() bool {
	return c == ClassSpot || c == ClassFutures || c == ClassOptions
}

const (
	// MinutesPerBucket is the number of per-minute samples in one hourly bucket
	MinutesPerBucket = 60

	// HoursPerWeek is the countdown reset value after an expiration
	HoursPerWeek = 168
)

// OptionQuote holds call and put prices for every strike of the lattice at one minute.
// Call[i] and Put[i] belong to Strikes[i] of the lattice in force when the quote was priced.
type OptionQuote struct {
	Call []float64 `json:"call"`
	Put  []float64 `json:"put"`
}

// SpotQuote is one row of the spot board
type SpotQuote struct {
	Ticker Ticker  `json:"ticker"`
	Price  float64 `json:"price"`
	Change float64 `json:"change"` // versus previous hourly close
}

// OptionChain is the latest option board for one ticker
type OptionChain struct {
	Strikes []float64 `json:"strikes"`
	Call    []float64 `json:"call"`
	Put     []float64 `json:"put"`
}

// Bucket is one hourly frame of a single instrument class, as written to the
// backup store and the archive.
type Bucket struct {
	Start  time.Time
	Prices map[Ticker][]float64
}

// Tickers returns the bucket's tickers in a stable order
func (b Bucket) Tickers() []Ticker {
	return SortedTickers(b.Prices)
}

// Close returns the last sample for ticker
func (b Bucket) Close(ticker Ticker) (float64, bool) {
	series, ok := b.Prices[ticker]
	if !ok || len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// SortedTickers returns map keys in lexical order
func SortedTickers[V any](m map[Ticker]V) []Ticker {
	out := make([]Ticker, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
