package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/domain/market"
	"marketsim/internal/services/expiration"
	"marketsim/internal/services/pricepath"
	"marketsim/internal/services/timeseries"
	"marketsim/pkg/clock"
	"marketsim/pkg/errors"
)

type memoryBackup struct {
	mu       sync.Mutex
	prev     market.Bucket
	last     market.Bucket
	hasSpot  bool
	lattices map[market.Ticker]market.StrikeLattice
	history  []market.Bucket
	saves    int
	saveErr  error

	onSaveLattices func()
}

func (b *memoryBackup) LoadSpot(ctx context.Context) (market.Bucket, market.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasSpot {
		return market.Bucket{}, market.Bucket{}, errors.Wrap(errors.ErrBootstrap, "prices_last.txt missing")
	}
	return b.prev, b.last, nil
}

func (b *memoryBackup) SaveSpot(ctx context.Context, prev, last market.Bucket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.prev, b.last, b.hasSpot = prev, last, true
	b.saves++
	return nil
}

func (b *memoryBackup) AppendHistory(ctx context.Context, bucket market.Bucket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.history = append(b.history, bucket)
	return nil
}

func (b *memoryBackup) LoadLattices(ctx context.Context) (map[market.Ticker]market.StrikeLattice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lattices == nil {
		return nil, errors.ErrNotFound
	}
	out := make(map[market.Ticker]market.StrikeLattice, len(b.lattices))
	for k, v := range b.lattices {
		out[k] = v.Clone()
	}
	return out, nil
}

func (b *memoryBackup) SaveLattices(ctx context.Context, lattices map[market.Ticker]market.StrikeLattice) error {
	if b.onSaveLattices != nil {
		b.onSaveLattices()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.lattices = lattices
	return nil
}

type memoryArchive struct {
	rows []market.ArchiveRow
}

func (a *memoryArchive) Enqueue(rows []market.ArchiveRow) error {
	a.rows = append(a.rows, rows...)
	return nil
}

func (a *memoryArchive) QueryRange(ctx context.Context, ticker market.Ticker, class market.InstrumentClass, from, to time.Time) ([]market.ArchiveRow, error) {
	return nil, nil
}

type failingRates struct{}

func (failingRates) CurrentInterestRate(ctx context.Context) (float64, error) {
	return 0, errors.ErrUnavailable
}

func flat(price float64) []float64 {
	out := make([]float64, market.MinutesPerBucket)
	for i := range out {
		out[i] = price
	}
	return out
}

func seededBackup() *memoryBackup {
	return &memoryBackup{
		hasSpot: true,
		prev:    market.Bucket{Prices: map[market.Ticker][]float64{"ACME": flat(13500), "GLOBEX": flat(800)}},
		last:    market.Bucket{Prices: map[market.Ticker][]float64{"ACME": flat(13730), "GLOBEX": flat(810)}},
	}
}

type fixture struct {
	engine  *Engine
	backup  *memoryBackup
	archive *memoryArchive
	clock   *clock.Fake
	expiry  *expiration.Clock
}

func newFixture(t *testing.T, backup *memoryBackup, futuresLeft, optionsLeft int) *fixture {
	t.Helper()

	fake := clock.NewFake(time.Date(2024, 3, 6, 10, 30, 0, 0, time.UTC))
	expiry := expiration.NewClockAt(futuresLeft, optionsLeft)
	archive := &memoryArchive{}
	gen := pricepath.NewGenerator(pricepath.DefaultParams(), rand.New(rand.NewPCG(7, 11)))

	eng := New(Config{
		Params:           pricepath.DefaultParams(),
		Jumps:            true,
		HoursPerRateUnit: 24,
		StaticRate:       0.001,
		Retention:        672,
		CompressAfter:    6 * time.Hour,
	}, Deps{
		Generator: gen,
		Expiry:    expiry,
		Backup:    backup,
		Archive:   archive,
		Rates:     failingRates{},
		Clock:     fake,
	})

	return &fixture{engine: eng, backup: backup, archive: archive, clock: fake, expiry: expiry}
}

func TestBootstrap_MissingBackupIsFatal(t *testing.T) {
	f := newFixture(t, &memoryBackup{}, 50, 50)

	err := f.engine.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBootstrap))
}

func TestBootstrap_LoadsSpotAndBuildsLattices(t *testing.T) {
	f := newFixture(t, seededBackup(), 50, 50)
	require.NoError(t, f.engine.Bootstrap(context.Background()))

	price, ok := f.engine.SpotPrice("ACME")
	require.True(t, ok)
	assert.Equal(t, 13730.0, price)

	lattice, ok := f.engine.Lattice("ACME")
	require.True(t, ok)
	assert.Equal(t, 17100.0, lattice[0])
	assert.Equal(t, 10100.0, lattice[14])
	assert.NotNil(t, f.backup.lattices, "built lattices are persisted")

	list := f.engine.SpotList()
	require.Len(t, list, 2)
	assert.Equal(t, market.Ticker("ACME"), list[0].Ticker)
	assert.Equal(t, 230.0, list[0].Change)

	idx, ok := f.engine.StrikeIndex("ACME", 13600)
	require.True(t, ok)
	assert.Equal(t, 7, idx)

	_, ok = f.engine.StrikeIndex("ACME", 13650)
	assert.False(t, ok, "off-lattice strikes fail closed")

	_, ok = f.engine.SpotPrice("NOPE")
	assert.False(t, ok)

	futures, ok := f.engine.FuturesPrice("ACME")
	require.True(t, ok)
	assert.Greater(t, futures, 13730.0)

	chain, ok := f.engine.OptionPrices("ACME")
	require.True(t, ok)
	assert.Len(t, chain.Strikes, market.LatticeSize)
	assert.Len(t, chain.Call, market.LatticeSize)
	assert.Len(t, chain.Put, market.LatticeSize)
}

func TestBootstrap_KeepsPersistedLattices(t *testing.T) {
	backup := seededBackup()
	persisted := market.NewStrikeLattice(9000)
	backup.lattices = map[market.Ticker]market.StrikeLattice{"ACME": persisted}

	f := newFixture(t, backup, 50, 50)
	require.NoError(t, f.engine.Bootstrap(context.Background()))

	lattice, ok := f.engine.Lattice("ACME")
	require.True(t, ok)
	assert.Equal(t, persisted, lattice)

	_, ok = f.engine.Lattice("GLOBEX")
	assert.True(t, ok, "tickers without a persisted lattice get one")
}

func TestBootstrap_RejectsIncompleteBuckets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *memoryBackup)
	}{
		{"short last bucket", func(b *memoryBackup) { b.last.Prices["ACME"] = []float64{13730} }},
		{"long last bucket", func(b *memoryBackup) { b.last.Prices["ACME"] = append(flat(13730), 13731) }},
		{"short previous bucket", func(b *memoryBackup) { b.prev.Prices["GLOBEX"] = flat(800)[:59] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backup := seededBackup()
			tt.mutate(backup)
			f := newFixture(t, backup, 50, 50)

			err := f.engine.Bootstrap(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrBootstrap))
			assert.True(t, errors.Is(f.engine.Ready(context.Background()), errors.ErrUnavailable))
		})
	}
}

func TestTick_BeforeBootstrapFails(t *testing.T) {
	f := newFixture(t, seededBackup(), 50, 50)

	assert.True(t, errors.Is(f.engine.Ready(context.Background()), errors.ErrUnavailable))

	err := f.engine.Tick(context.Background())
	assert.True(t, errors.Is(err, errors.ErrBootstrap))

	require.NoError(t, f.engine.Bootstrap(context.Background()))
	assert.NoError(t, f.engine.Ready(context.Background()))
}

func TestTick_AppendsAndPersists(t *testing.T) {
	f := newFixture(t, seededBackup(), 50, 50)
	ctx := context.Background()
	require.NoError(t, f.engine.Bootstrap(ctx))

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.engine.Tick(ctx))

	assert.Equal(t, 3, f.engine.FrameCount(market.ClassSpot))
	assert.Equal(t, 3, f.engine.FrameCount(market.ClassFutures))
	assert.Equal(t, 3, f.engine.FrameCount(market.ClassOptions))

	// the previous "last" bucket became the backup's prev
	assert.Equal(t, 13730.0, f.backup.prev.Prices["ACME"][59])
	assert.Len(t, f.backup.last.Prices["ACME"], market.MinutesPerBucket)
	assert.Equal(t, time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC), f.backup.last.Start)
	require.Len(t, f.backup.history, 1)

	price, ok := f.engine.SpotPrice("ACME")
	require.True(t, ok)
	assert.Equal(t, f.backup.last.Prices["ACME"][0], price)

	assert.Equal(t, 49, f.expiry.Remaining(expiration.KindFutures))

	// 2 tickers * (60 spot + 60 futures + 60 * 15 * 2 options)
	assert.Len(t, f.archive.rows, 2*(60+60+60*15*2))
}

func TestTick_PersistenceFailureDoesNotAbort(t *testing.T) {
	backup := seededBackup()
	f := newFixture(t, backup, 50, 50)
	ctx := context.Background()
	require.NoError(t, f.engine.Bootstrap(ctx))

	backup.saveErr = errors.New("disk full")
	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.engine.Tick(ctx))
	assert.Equal(t, 3, f.engine.FrameCount(market.ClassSpot))
	assert.Empty(t, backup.history)

	backup.saveErr = nil
	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.Tick(ctx))
	assert.Len(t, backup.history, 1)
}

func TestTick_SameHourStillAdvances(t *testing.T) {
	f := newFixture(t, seededBackup(), 50, 50)
	ctx := context.Background()
	require.NoError(t, f.engine.Bootstrap(ctx))

	// a tick that arrives early still produces the next hour
	require.NoError(t, f.engine.Tick(ctx))
	assert.Equal(t, time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC), f.backup.last.Start)
}

func TestTick_ExpirationSeesCompleteSpotAndReanchors(t *testing.T) {
	backup := seededBackup()
	f := newFixture(t, backup, 1, 1)
	ctx := context.Background()
	require.NoError(t, f.engine.Bootstrap(ctx))

	var seen []expiration.Kind
	var spotAtExpiry float64
	f.expiry.Subscribe(expiration.SubscriberFunc{Label: "settlement", Fn: func(ctx context.Context, e expiration.Event) error {
		seen = append(seen, e.Kind)
		spotAtExpiry, _ = f.engine.SpotPrice("ACME")
		return nil
	}})

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.engine.Tick(ctx))

	assert.Equal(t, []expiration.Kind{expiration.KindFutures, expiration.KindOptions}, seen)
	assert.Equal(t, backup.last.Prices["ACME"][0], spotAtExpiry, "subscribers read the new bucket")
	assert.Equal(t, market.HoursPerWeek, f.expiry.Remaining(expiration.KindOptions))

	lattice, ok := f.engine.Lattice("ACME")
	require.True(t, ok)
	assert.Equal(t, market.NewStrikeLattice(spotAtExpiry), lattice)
	assert.Equal(t, lattice, backup.lattices["ACME"])
}

// marketView is everything a reader can see for one ticker at one moment
type marketView struct {
	spotStart    time.Time
	futuresStart time.Time
	optionsStart time.Time
	spot         float64
	chain        market.OptionChain
}

func observe(t *testing.T, e *Engine, ticker market.Ticker) marketView {
	t.Helper()

	latest := func(starts []time.Time) time.Time {
		require.NotEmpty(t, starts)
		return starts[len(starts)-1]
	}
	var v marketView

	spot, err := e.QueryRange(market.ClassSpot, []market.Ticker{ticker}, 1, 0)
	require.NoError(t, err)
	futures, err := e.QueryRange(market.ClassFutures, []market.Ticker{ticker}, 1, 0)
	require.NoError(t, err)
	options, err := e.QueryOptions([]market.Ticker{ticker}, 1, 0)
	require.NoError(t, err)

	var starts []time.Time
	for _, view := range spot {
		starts = append(starts, view.Start)
	}
	v.spotStart = latest(starts)
	starts = starts[:0]
	for _, view := range futures {
		starts = append(starts, view.Start)
	}
	v.futuresStart = latest(starts)
	starts = starts[:0]
	for _, view := range options {
		starts = append(starts, view.Start)
	}
	v.optionsStart = latest(starts)

	var ok bool
	v.spot, ok = e.SpotPrice(ticker)
	require.True(t, ok)
	v.chain, ok = e.OptionPrices(ticker)
	require.True(t, ok)
	return v
}

// assertCoherent checks that all classes show the same hour and that the
// option chain satisfies put-call parity against the reported strikes
func assertCoherent(t *testing.T, v marketView) {
	t.Helper()

	assert.Equal(t, v.spotStart, v.futuresStart, "futures frame matches spot")
	assert.Equal(t, v.spotStart, v.optionsStart, "options frame matches spot")

	chain := v.chain
	require.Len(t, chain.Strikes, market.LatticeSize)
	n := len(chain.Strikes) - 1
	discount := ((chain.Call[n] - chain.Put[n]) - (chain.Call[0] - chain.Put[0])) / (chain.Strikes[0] - chain.Strikes[n])
	assert.InDelta(t, 1, discount, 0.01)
	for i, strike := range chain.Strikes {
		assert.InDelta(t, v.spot-strike*discount, chain.Call[i]-chain.Put[i], 0.1, "strike %v", strike)
	}
}

func TestTick_ReadersNeverSeeHalfWrittenHour(t *testing.T) {
	backup := seededBackup()
	expiredLattice := market.NewStrikeLattice(20000)
	backup.lattices = map[market.Ticker]market.StrikeLattice{
		"ACME":   expiredLattice,
		"GLOBEX": market.NewStrikeLattice(810),
	}
	f := newFixture(t, backup, 50, 1)
	ctx := context.Background()
	require.NoError(t, f.engine.Bootstrap(ctx))

	before := observe(t, f.engine, "ACME")
	assertCoherent(t, before)
	assert.Equal(t, expiredLattice, before.chain.Strikes)

	var whileSaving, duringExpiry marketView
	var event expiration.Event
	backup.onSaveLattices = func() {
		whileSaving = observe(t, f.engine, "ACME")
	}
	f.expiry.Subscribe(expiration.SubscriberFunc{Label: "settlement", Fn: func(ctx context.Context, e expiration.Event) error {
		event = e
		duringExpiry = observe(t, f.engine, "ACME")
		return nil
	}})

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.engine.Tick(ctx))

	// lattice persistence happens before the hour is visible
	assertCoherent(t, whileSaving)
	assert.Equal(t, before.spotStart, whileSaving.spotStart)
	assert.Equal(t, expiredLattice, whileSaving.chain.Strikes)

	// subscribers see the whole new hour, priced on the new lattice
	assertCoherent(t, duringExpiry)
	assert.Equal(t, time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC), duringExpiry.spotStart)
	assert.Equal(t, market.NewStrikeLattice(duringExpiry.spot), duringExpiry.chain.Strikes)
	assert.Equal(t, market.HoursPerWeek, f.expiry.Remaining(expiration.KindOptions))

	assert.Equal(t, expiration.KindOptions, event.Kind)
	assert.Equal(t, expiredLattice, event.Lattices["ACME"], "the event carries the lattice that expired")

	after := observe(t, f.engine, "ACME")
	assertCoherent(t, after)
	assert.Equal(t, duringExpiry.chain.Strikes, after.chain.Strikes)
}

func TestTick_CompressesAgedFrames(t *testing.T) {
	f := newFixture(t, seededBackup(), 500, 500)
	ctx := context.Background()
	require.NoError(t, f.engine.Bootstrap(ctx))

	f.clock.Advance(30 * time.Minute)
	for i := 0; i < 8; i++ {
		require.NoError(t, f.engine.Tick(ctx))
		if i < 7 {
			f.clock.Advance(time.Hour)
		}
	}
	// now 18:00; frames closing at or before 12:00 are compressed
	views, err := f.engine.QueryRange(market.ClassSpot, []market.Ticker{"ACME"}, 24, 0)
	require.NoError(t, err)
	require.Len(t, views, 10)

	for i, view := range views {
		if i < 3 {
			assert.True(t, view.Compressed, "frame %d", i)
			assert.Len(t, view.Buckets["ACME"], 12)
		} else if i < 9 {
			assert.False(t, view.Compressed, "frame %d", i)
			assert.Len(t, view.Buckets["ACME"], 60)
		}
	}
	// current frame exposes minute 0 only
	assert.Len(t, views[9].Buckets["ACME"], 1)

	_, err = f.engine.QueryRange(market.ClassOptions, nil, 1, 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	options, err := f.engine.QueryOptions([]market.Ticker{"GLOBEX"}, 0, 30)
	require.NoError(t, err)
	assert.NotEmpty(t, options)
}

func TestArchiveRows_NewsImpactOnSpotOnly(t *testing.T) {
	start := time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC)
	spot := market.Bucket{Start: start, Prices: map[market.Ticker][]float64{"ACME": {10, 11}}}
	news := map[market.Ticker][]float64{"ACME": {0, 0.02}}

	rows := ArchiveRows(spot, news, timeseries.Frame[float64]{}, timeseries.Frame[market.OptionQuote]{}, nil)
	require.Len(t, rows, 2)
	assert.Equal(t, 0.02, rows[1].NewsImpact)
	assert.Equal(t, start.Add(time.Minute), rows[1].Timestamp)
}
