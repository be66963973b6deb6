package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marketsim/internal/domain/settlement"
	"marketsim/internal/metrics"
	"marketsim/internal/services/expiration"
	"marketsim/pkg/clock"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// Handler discharges one obligation
type Handler interface {
	Settle(ctx context.Context, entry *settlement.Entry) (settlement.Result, error)
}

// Notifier is told about settlement outcomes
type Notifier interface {
	PublishSettled(ctx context.Context, result settlement.Result) error
	PublishSettlementFailed(ctx context.Context, entry settlement.Entry, cause error) error
}

// Config tunes retries and replay
type Config struct {
	RetryDelay     time.Duration
	ReplayRate     float64 // overdue entries released per second
	ReplayBurst    int
	MaxConcurrency int // parallel handlers per expiration
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.ReplayRate <= 0 {
		c.ReplayRate = 20
	}
	if c.ReplayBurst <= 0 {
		c.ReplayBurst = 5
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// armedEntry is the in-memory projection of one ledger entry. gen changes
// on every upsert so a completion of an older version can be recognized.
type armedEntry struct {
	entry *settlement.Entry
	gen   uint64
	timer clock.Timer // nil for entries waiting on an expiration
	state settlement.State
}

// Scheduler keeps one live timer per persisted obligation. The repository
// is the source of truth; the armed map is rebuilt by ReplayAll.
type Scheduler struct {
	mu    sync.Mutex
	armed map[string]*armedEntry
	gen   uint64

	repo     settlement.Repository
	handler  Handler
	notifier Notifier
	clock    clock.Clock
	limiter  *rate.Limiter
	cfg      Config
	inflight sync.WaitGroup
	log      *logger.Logger
}

// NewScheduler creates a scheduler. notifier may be nil.
func NewScheduler(repo settlement.Repository, handler Handler, notifier Notifier, clk clock.Clock, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		armed:    make(map[string]*armedEntry),
		repo:     repo,
		handler:  handler,
		notifier: notifier,
		clock:    clk,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReplayRate), cfg.ReplayBurst),
		cfg:      cfg,
		log:      logger.Get().With("component", "settlement_scheduler"),
	}
}

// Upsert persists the obligation under id, replacing any earlier one, and
// arms its timer. Book settlements wait for the weekly expiration.
func (s *Scheduler) Upsert(ctx context.Context, id, subject string, obligation settlement.Obligation) (*settlement.Entry, error) {
	now := s.clock.Now()
	entry := &settlement.Entry{
		ID:         id,
		Subject:    subject,
		Obligation: obligation,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Upsert(ctx, entry); err != nil {
		metrics.RecordPersistenceFailure("ledger")
		return nil, errors.Join(errors.ErrPersistence, err)
	}
	s.armLocked(entry, s.delayFor(entry, now, false))

	s.log.Infow("Obligation scheduled",
		"id", id,
		"subject", subject,
		"kind", entry.Kind(),
		"due", describeDue(entry, now),
	)
	return entry, nil
}

// Remove deletes the entry and cancels its timer. A handler already running
// for it still completes. Returns errors.ErrNotFound when id is absent.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.repo.Delete(ctx, id)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		metrics.RecordPersistenceFailure("ledger")
		return errors.Join(errors.ErrPersistence, err)
	}

	if a, ok := s.armed[id]; ok {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.armed, id)
		metrics.SetArmedTimers(len(s.armed))
	}

	if err != nil {
		s.log.Warnw("Remove of unknown obligation", "id", id)
		return errors.Wrapf(err, "obligation %s", id)
	}
	s.log.Infow("Obligation removed", "id", id)
	return nil
}

// Get returns the persisted entry
func (s *Scheduler) Get(ctx context.Context, id string) (*settlement.Entry, error) {
	return s.repo.Get(ctx, id)
}

// List returns every persisted entry
func (s *Scheduler) List(ctx context.Context) ([]*settlement.Entry, error) {
	return s.repo.List(ctx)
}

// State reports the lifecycle state of a live entry
func (s *Scheduler) State(id string) (settlement.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.armed[id]
	if !ok {
		return "", false
	}
	return a.state, true
}

// ArmedCount returns the number of entries with a live timer or an
// expiration registration
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// ReplayAll arms every persisted entry. Overdue entries are released
// through the rate limiter instead of all at once.
func (s *Scheduler) ReplayAll(ctx context.Context) (int, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list ledger")
	}

	now := s.clock.Now()
	overdue := 0

	s.mu.Lock()
	for _, entry := range entries {
		delay := s.delayFor(entry, now, true)
		if due, ok := entry.Obligation.Due(); ok && !due.After(now) {
			overdue++
		}
		s.armLocked(entry, delay)
	}
	armed := len(s.armed)
	s.mu.Unlock()

	s.log.Infow("Ledger replayed", "entries", len(entries), "overdue", overdue, "armed", armed)
	return len(entries), nil
}

// SweepPending arms persisted entries that have no projection and fires
// entries waiting for a retry. Returns how many entries it touched.
func (s *Scheduler) SweepPending(ctx context.Context) (int, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list ledger")
	}

	now := s.clock.Now()
	touched := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		a, ok := s.armed[entry.ID]
		switch {
		case !ok:
			s.armLocked(entry, s.delayFor(entry, now, true))
			touched++
		case a.state == settlement.StatePending:
			if a.timer != nil {
				a.timer.Stop()
			}
			a.timer = s.clock.AfterFunc(0, s.fireFunc(a.entry, a.gen))
			touched++
		}
	}

	if touched > 0 {
		s.log.Infow("Pending obligations swept", "count", touched)
	}
	return touched, nil
}

// Name implements expiration.Subscriber
func (s *Scheduler) Name() string { return "settlement_scheduler" }

// OnExpiration settles every futures or options book with bounded
// parallelism. An expiration with no open books is a no-op.
func (s *Scheduler) OnExpiration(ctx context.Context, event expiration.Event) error {
	kind := settlement.KindFuturesSettlement
	if event.Kind == expiration.KindOptions {
		kind = settlement.KindOptionSettlement
	}

	entries, err := s.repo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list ledger")
	}

	type job struct {
		entry *settlement.Entry
		gen   uint64
	}
	var jobs []job

	s.mu.Lock()
	for _, entry := range entries {
		if entry.Kind() != kind {
			continue
		}
		a, ok := s.armed[entry.ID]
		if !ok {
			a = s.armLocked(entry, 0)
		}
		if a.state == settlement.StateFired {
			continue
		}
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.state = settlement.StateFired
		jobs = append(jobs, job{entry: a.entry, gen: a.gen})
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		s.log.Debugw("Expiration with no open books", "kind", event.Kind)
		return nil
	}

	var (
		mu   sync.Mutex
		errs errors.MultiError
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			if err := s.execute(j.entry, j.gen); err != nil {
				mu.Lock()
				errs.Add(err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Infow("Expiration settled",
		"kind", event.Kind,
		"books", len(jobs),
		"failed", len(errs.Errors),
	)
	return errs.ToError()
}

// Wait blocks until handlers started by timers have completed
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Stop cancels every live timer. Persisted entries are untouched and will
// be re-armed by the next replay.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, a := range s.armed {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
	s.mu.Unlock()
	s.Wait()
}

// armLocked installs a fresh projection for entry. Caller holds s.mu.
func (s *Scheduler) armLocked(entry *settlement.Entry, delay time.Duration) *armedEntry {
	if prev, ok := s.armed[entry.ID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	s.gen++
	a := &armedEntry{entry: entry, gen: s.gen, state: settlement.StateArmed}
	if _, timed := entry.Obligation.Due(); timed {
		a.timer = s.clock.AfterFunc(delay, s.fireFunc(entry, a.gen))
	}
	s.armed[entry.ID] = a
	metrics.SetArmedTimers(len(s.armed))
	return a
}

// delayFor computes the timer delay. During replay overdue entries are
// spread out by the limiter.
func (s *Scheduler) delayFor(entry *settlement.Entry, now time.Time, throttle bool) time.Duration {
	due, ok := entry.Obligation.Due()
	if !ok {
		return 0
	}
	if delay := due.Sub(now); delay > 0 {
		return delay
	}
	if !throttle {
		return 0
	}
	return s.limiter.ReserveN(now, 1).DelayFrom(now)
}

func (s *Scheduler) fireFunc(entry *settlement.Entry, gen uint64) func() {
	return func() {
		s.mu.Lock()
		a, ok := s.armed[entry.ID]
		if ok && a.gen != gen {
			// superseded by a later upsert, which owns its own timer
			s.mu.Unlock()
			return
		}
		if ok {
			a.state = settlement.StateFired
			a.timer = nil
		}
		s.inflight.Add(1)
		s.mu.Unlock()

		defer s.inflight.Done()
		_ = s.execute(entry, gen)
	}
}

// execute runs the handler and records the outcome
func (s *Scheduler) execute(entry *settlement.Entry, gen uint64) error {
	ctx, cancel := context.WithTimeout(errors.WithSubject(context.Background(), entry.Subject), s.cfg.HandlerTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.handler.Settle(ctx, entry)
	metrics.RecordSettlement(entry.Kind().String(), time.Since(started), err)

	if err != nil {
		s.failed(ctx, entry, gen, err)
		return err
	}
	s.discharged(ctx, entry, gen, result)
	return nil
}

func (s *Scheduler) failed(ctx context.Context, entry *settlement.Entry, gen uint64, cause error) {
	s.log.ErrorWithContext(ctx,
		errors.Wrapf(cause, "settlement %s failed, retry in %s", entry.ID, s.cfg.RetryDelay),
		map[string]string{"kind": entry.Kind().String(), "subject": entry.Subject},
	)

	s.mu.Lock()
	if a, ok := s.armed[entry.ID]; ok && a.gen == gen {
		a.state = settlement.StatePending
		a.timer = s.clock.AfterFunc(s.cfg.RetryDelay, s.fireFunc(entry, gen))
	}
	s.mu.Unlock()

	if s.notifier != nil {
		_ = s.notifier.PublishSettlementFailed(ctx, *entry, cause)
	}
}

func (s *Scheduler) discharged(ctx context.Context, entry *settlement.Entry, gen uint64, result settlement.Result) {
	s.mu.Lock()
	a, ok := s.armed[entry.ID]
	current := ok && a.gen == gen
	if current {
		if err := s.repo.Delete(ctx, entry.ID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			// the handler is idempotent, so a retry only has to finish the delete
			metrics.RecordPersistenceFailure("ledger")
			s.log.Errorw("Ledger delete failed after settlement", "id", entry.ID, "error", err)
			a.state = settlement.StatePending
			a.timer = s.clock.AfterFunc(s.cfg.RetryDelay, s.fireFunc(entry, gen))
			s.mu.Unlock()
			return
		}
		delete(s.armed, entry.ID)
		metrics.SetArmedTimers(len(s.armed))
	}
	s.mu.Unlock()

	s.log.Infow("Obligation discharged",
		"id", entry.ID,
		"subject", entry.Subject,
		"kind", entry.Kind(),
		"amount", result.Amount,
		"superseded", ok && !current,
	)
	if s.notifier != nil {
		_ = s.notifier.PublishSettled(ctx, result)
	}
}

func describeDue(entry *settlement.Entry, now time.Time) string {
	due, ok := entry.Obligation.Due()
	if !ok {
		return "next expiration"
	}
	return humanize.RelTime(due, now, "ago", "from now")
}

var _ expiration.Subscriber = (*Scheduler)(nil)
