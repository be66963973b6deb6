package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"marketsim/internal/domain/market"
	"marketsim/internal/metrics"
	"marketsim/internal/services/derivatives"
	"marketsim/internal/services/expiration"
	"marketsim/internal/services/pricepath"
	"marketsim/internal/services/timeseries"
	"marketsim/pkg/clock"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// TickPublisher announces completed ticks
type TickPublisher interface {
	PublishTick(ctx context.Context, start time.Time, rate float64, closes map[market.Ticker]float64) error
}

// Config holds the engine's tunables
type Config struct {
	Params           pricepath.Params
	Jumps            bool
	BigNews          bool
	HoursPerRateUnit float64
	StaticRate       float64 // used when the rate authority fails
	Retention        int
	CompressAfter    time.Duration
	Location         *time.Location
}

// Deps are the engine's collaborators. Archive and Publisher are optional.
type Deps struct {
	Generator *pricepath.Generator
	Expiry    *expiration.Clock
	Backup    market.BackupStore
	Archive   market.Archive
	Rates     market.RateProvider
	Publisher TickPublisher
	Clock     clock.Clock
}

// Engine owns the simulated market. Tick advances it by one hour as a
// single unit of work; readers never observe a half-written frame.
type Engine struct {
	tickMu sync.Mutex // serializes ticks

	mu       sync.RWMutex
	store    *timeseries.Store
	lattices map[market.Ticker]market.StrikeLattice
	regimes  map[market.Ticker]*pricepath.State // guarded by tickMu
	news     map[market.Ticker][]float64        // news impact of the newest spot frame
	rate     float64

	cfg       Config
	generator *pricepath.Generator
	pricer    *derivatives.Pricer
	expiry    *expiration.Clock
	backup    market.BackupStore
	archive   market.Archive
	rates     market.RateProvider
	publisher TickPublisher
	clock     clock.Clock
	bigNews   atomic.Bool
	log       *logger.Logger
}

// New creates an engine. Bootstrap must succeed before the first Tick.
func New(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	e := &Engine{
		store:     timeseries.NewStore(cfg.Retention, cfg.CompressAfter),
		lattices:  make(map[market.Ticker]market.StrikeLattice),
		regimes:   make(map[market.Ticker]*pricepath.State),
		news:      make(map[market.Ticker][]float64),
		rate:      cfg.StaticRate,
		cfg:       cfg,
		generator: deps.Generator,
		pricer:    derivatives.NewPricer(cfg.HoursPerRateUnit, cfg.Params.Volatility),
		expiry:    deps.Expiry,
		backup:    deps.Backup,
		archive:   deps.Archive,
		rates:     deps.Rates,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		log:       logger.Get().With("component", "market_engine"),
	}
	e.bigNews.Store(cfg.BigNews)
	return e
}

// SetBigNews arms or disarms the big-news regime for subsequent ticks
func (e *Engine) SetBigNews(enabled bool) {
	e.bigNews.Store(enabled)
	e.log.Infow("Big news regime changed", "enabled", enabled)
}

// Ready reports whether the market has been bootstrapped
func (e *Engine) Ready(ctx context.Context) error {
	if e.FrameCount(market.ClassSpot) == 0 {
		return errors.Wrap(errors.ErrUnavailable, "market not bootstrapped")
	}
	return nil
}

// Bootstrap loads the two most recent spot buckets and the strike lattices
// from the backup store and prices their derivatives. Missing or malformed
// spot backups are fatal.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	prev, last, err := e.backup.LoadSpot(ctx)
	if err != nil {
		return errors.Join(errors.ErrBootstrap, err)
	}
	if len(last.Prices) == 0 {
		return errors.Wrap(errors.ErrBootstrap, "spot backup lists no tickers")
	}
	for name, bucket := range map[string]market.Bucket{"previous": prev, "last": last} {
		for ticker, samples := range bucket.Prices {
			if len(samples) != market.MinutesPerBucket {
				return errors.Wrapf(errors.ErrBootstrap, "%s bucket for %s has %d prices, want %d",
					name, ticker, len(samples), market.MinutesPerBucket)
			}
		}
	}

	now := e.clock.Now()
	prev.Start = now.Truncate(time.Hour).Add(-time.Hour)
	last.Start = now.Truncate(time.Hour)

	lattices, err := e.backup.LoadLattices(ctx)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		lattices = make(map[market.Ticker]market.StrikeLattice)
	case err != nil:
		return errors.Join(errors.ErrBootstrap, err)
	}

	missing := false
	for _, ticker := range last.Tickers() {
		if _, ok := lattices[ticker]; ok {
			continue
		}
		closePrice, _ := last.Close(ticker)
		lattices[ticker] = market.NewStrikeLattice(closePrice)
		missing = true
	}
	if missing {
		if err := e.backup.SaveLattices(ctx, lattices); err != nil {
			e.persistenceFailed("lattice", err)
		}
	}

	rate := e.currentRate(ctx)
	futuresLeft := e.expiry.Remaining(expiration.KindFutures)
	optionsLeft := e.expiry.Remaining(expiration.KindOptions)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ticker := range last.Tickers() {
		e.regimes[ticker] = &pricepath.State{}
	}

	// the previous bucket was priced one hour further from expiry
	for i, bucket := range []market.Bucket{prev, last} {
		if len(bucket.Prices) == 0 {
			continue
		}
		futures, options := e.priceFrame(bucket.Prices, rate, futuresLeft+1-i, optionsLeft+1-i, lattices)
		e.store.Spot.Append(timeseries.Frame[float64]{Start: bucket.Start, Buckets: bucket.Prices})
		e.store.Futures.Append(timeseries.Frame[float64]{Start: bucket.Start, Buckets: futures})
		e.store.Options.Append(timeseries.Frame[market.OptionQuote]{Start: bucket.Start, Buckets: options})
	}
	e.lattices = lattices
	e.rate = rate

	e.log.Infow("Market bootstrapped",
		"tickers", len(last.Prices),
		"bucket_start", last.Start,
		"futures_expiry_hours", futuresLeft,
		"options_expiry_hours", optionsLeft,
	)
	return nil
}

// pendingTick is one hour of market data built outside the data lock
type pendingTick struct {
	start    time.Time
	spot     map[market.Ticker][]float64
	news     map[market.Ticker][]float64
	futures  map[market.Ticker][]float64
	options  map[market.Ticker][]market.OptionQuote
	lattices map[market.Ticker]market.StrikeLattice // in force after the tick
	expired  map[market.Ticker]market.StrikeLattice // nil unless options expire
	step     expiration.Step
}

// Tick produces the next hourly bucket for every listed ticker, prices its
// derivatives and advances the expiration clock. Everything readers can see
// changes in one critical section; expiration subscribers run afterwards
// against the committed hour.
func (e *Engine) Tick(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	started := time.Now()
	rate := e.currentRate(ctx)
	now := e.clock.Now()

	pending, err := e.prepare(now, rate)
	if err != nil {
		metrics.RecordTick(time.Since(started), rate, 0, 0, err)
		return err
	}

	if pending.expired != nil {
		// written before the commit; a crash in between restarts on the new lattice
		if err := e.backup.SaveLattices(ctx, pending.lattices); err != nil {
			e.persistenceFailed("lattice", err)
		}
		e.log.Infow("Strike lattices re-anchored", "tickers", len(pending.lattices))
	}

	e.mu.Lock()
	e.store.Spot.Append(timeseries.Frame[float64]{Start: pending.start, Buckets: pending.spot})
	e.store.Futures.Append(timeseries.Frame[float64]{Start: pending.start, Buckets: pending.futures})
	e.store.Options.Append(timeseries.Frame[market.OptionQuote]{Start: pending.start, Buckets: pending.options})
	e.lattices = pending.lattices
	e.news = pending.news
	e.rate = rate
	e.expiry.Apply(pending.step)
	compressed := e.store.Maintain(now)
	prevFrame, _ := e.store.Spot.Previous()
	e.mu.Unlock()

	events := make([]expiration.Event, 0, len(pending.step.Fired))
	for _, kind := range pending.step.Fired {
		event := expiration.Event{Kind: kind, At: pending.start}
		if kind == expiration.KindOptions {
			event.Lattices = pending.expired
		}
		events = append(events, event)
		metrics.RecordExpiration(string(kind))
	}
	if err := e.expiry.Dispatch(ctx, events...); err != nil {
		e.log.Warnw("Expiration subscribers reported errors", "error", err)
	}

	last := market.Bucket{Start: pending.start, Prices: pending.spot}
	prev := market.Bucket{Start: prevFrame.Start, Prices: prevFrame.Buckets}
	e.persist(ctx, prev, last)
	e.enqueueArchive(last, pending.news,
		timeseries.Frame[float64]{Start: pending.start, Buckets: pending.futures},
		timeseries.Frame[market.OptionQuote]{Start: pending.start, Buckets: pending.options},
		pending.lattices,
	)
	e.publish(ctx, last, rate)

	metrics.RecordTick(time.Since(started), rate, len(pending.spot), compressed, nil)
	e.log.Infow("Tick completed",
		"bucket_start", pending.start,
		"tickers", len(pending.spot),
		"rate", rate,
		"expired", pending.step.Fired,
		"compressed_frames", compressed,
		"duration", time.Since(started),
	)
	return nil
}

// prepare generates the next spot frame and prices it with the countdowns
// and lattices that hold once the hour is committed. Nothing is published.
func (e *Engine) prepare(now time.Time, rate float64) (*pendingTick, error) {
	e.mu.RLock()
	latest, ok := e.store.Spot.Latest()
	lattices := e.snapshotLattices()
	e.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(errors.ErrBootstrap, "tick before bootstrap")
	}

	start := now.Truncate(time.Hour)
	if !start.After(latest.Start) {
		start = latest.Start.Add(time.Hour)
	}

	flags := pricepath.Flags{Jumps: e.cfg.Jumps, BigNews: e.bigNews.Load()}
	p := &pendingTick{
		start: start,
		spot:  make(map[market.Ticker][]float64, len(latest.Buckets)),
		news:  make(map[market.Ticker][]float64, len(latest.Buckets)),
		step:  e.expiry.Next(),
	}
	for _, ticker := range market.SortedTickers(latest.Buckets) {
		samples := latest.Buckets[ticker]
		if len(samples) == 0 {
			continue
		}
		st, ok := e.regimes[ticker]
		if !ok {
			st = &pricepath.State{}
			e.regimes[ticker] = st
		}
		path := e.generator.Generate(samples[len(samples)-1], market.MinutesPerBucket, flags, st)
		p.spot[ticker] = path.Prices
		p.news[ticker] = path.News
	}

	// options expiring re-anchor every lattice on the spot current at commit time
	if p.step.Fires(expiration.KindOptions) {
		p.expired = lattices
		lattices = make(map[market.Ticker]market.StrikeLattice, len(p.spot))
		idx := e.minuteIndex(start)
		for ticker, samples := range p.spot {
			lattices[ticker] = market.NewStrikeLattice(samples[min(idx, len(samples)-1)])
		}
	}

	p.futures, p.options = e.priceFrame(p.spot, rate,
		p.step.Remaining(expiration.KindFutures), p.step.Remaining(expiration.KindOptions), lattices)
	p.lattices = lattices
	return p, nil
}

// priceFrame prices futures and options for a spot frame. Tickers without a
// lattice get one anchored on their first price, added to lattices.
func (e *Engine) priceFrame(
	spot map[market.Ticker][]float64,
	rate float64,
	futuresLeft, optionsLeft int,
	lattices map[market.Ticker]market.StrikeLattice,
) (map[market.Ticker][]float64, map[market.Ticker][]market.OptionQuote) {
	futures := make(map[market.Ticker][]float64, len(spot))
	options := make(map[market.Ticker][]market.OptionQuote, len(spot))

	for ticker, samples := range spot {
		lattice, ok := lattices[ticker]
		if !ok {
			lattice = market.NewStrikeLattice(samples[0])
			lattices[ticker] = lattice
		}
		futures[ticker], options[ticker] = e.pricer.PriceBucket(samples, rate, futuresLeft, optionsLeft, lattice)
	}
	return futures, options
}

func (e *Engine) persist(ctx context.Context, prev, last market.Bucket) {
	var g errgroup.Group
	g.Go(func() error {
		if err := e.backup.SaveSpot(ctx, prev, last); err != nil {
			e.persistenceFailed("backup", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := e.backup.AppendHistory(ctx, last); err != nil {
			e.persistenceFailed("history", err)
		}
		return nil
	})
	_ = g.Wait()
}

func (e *Engine) enqueueArchive(
	spot market.Bucket,
	news map[market.Ticker][]float64,
	futures timeseries.Frame[float64],
	options timeseries.Frame[market.OptionQuote],
	lattices map[market.Ticker]market.StrikeLattice,
) {
	if e.archive == nil {
		return
	}

	rows := ArchiveRows(spot, news, futures, options, lattices)
	if err := e.archive.Enqueue(rows); err != nil {
		e.persistenceFailed("archive", err)
	}
}

// ArchiveRows flattens one tick into per-minute archive samples
func ArchiveRows(
	spot market.Bucket,
	news map[market.Ticker][]float64,
	futures timeseries.Frame[float64],
	options timeseries.Frame[market.OptionQuote],
	lattices map[market.Ticker]market.StrikeLattice,
) []market.ArchiveRow {
	var rows []market.ArchiveRow
	for _, ticker := range spot.Tickers() {
		for minute, price := range spot.Prices[ticker] {
			ts := spot.Start.Add(time.Duration(minute) * time.Minute)
			row := market.ArchiveRow{Ticker: ticker, Class: market.ClassSpot, Timestamp: ts, Price: price}
			if impacts := news[ticker]; minute < len(impacts) {
				row.NewsImpact = impacts[minute]
			}
			rows = append(rows, row)
		}

		for minute, price := range futures.Buckets[ticker] {
			rows = append(rows, market.ArchiveRow{
				Ticker:    ticker,
				Class:     market.ClassFutures,
				Timestamp: futures.Start.Add(time.Duration(minute) * time.Minute),
				Price:     price,
			})
		}

		lattice := lattices[ticker]
		for minute, quote := range options.Buckets[ticker] {
			ts := options.Start.Add(time.Duration(minute) * time.Minute)
			for i, strike := range lattice {
				if i >= len(quote.Call) || i >= len(quote.Put) {
					break
				}
				rows = append(rows,
					market.ArchiveRow{Ticker: ticker, Class: market.ClassOptions, Strike: strike, Right: "call", Timestamp: ts, Price: quote.Call[i]},
					market.ArchiveRow{Ticker: ticker, Class: market.ClassOptions, Strike: strike, Right: "put", Timestamp: ts, Price: quote.Put[i]},
				)
			}
		}
	}
	return rows
}

func (e *Engine) publish(ctx context.Context, last market.Bucket, rate float64) {
	if e.publisher == nil {
		return
	}

	closes := make(map[market.Ticker]float64, len(last.Prices))
	for _, ticker := range last.Tickers() {
		closes[ticker], _ = last.Close(ticker)
	}
	// failures are logged by the publisher
	_ = e.publisher.PublishTick(ctx, last.Start, rate, closes)
}

func (e *Engine) currentRate(ctx context.Context) float64 {
	if e.rates == nil {
		return e.cfg.StaticRate
	}
	rate, err := e.rates.CurrentInterestRate(ctx)
	if err != nil {
		e.log.Warnw("Rate authority unavailable, using static rate", "static_rate", e.cfg.StaticRate, "error", err)
		return e.cfg.StaticRate
	}
	return rate
}

func (e *Engine) persistenceFailed(target string, err error) {
	metrics.RecordPersistenceFailure(target)
	e.log.Errorw("Persistence failed, retrying next tick", "target", target, "error", errors.Join(errors.ErrPersistence, err))
}

// snapshotLattices copies the lattices. Caller holds e.mu.
func (e *Engine) snapshotLattices() map[market.Ticker]market.StrikeLattice {
	out := make(map[market.Ticker]market.StrikeLattice, len(e.lattices))
	for ticker, lattice := range e.lattices {
		out[ticker] = lattice.Clone()
	}
	return out
}

// minuteIndex is the sample of a frame starting at start that is current now
func (e *Engine) minuteIndex(start time.Time) int {
	return max(timeseries.ValidPrefix(start, e.clock.Now())-1, 0)
}
