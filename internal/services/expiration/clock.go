package expiration

import (
	"context"
	"math"
	"sync"
	"time"

	"marketsim/internal/domain/market"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// Kind identifies which weekly expiration fired
type Kind string

const (
	KindFutures Kind = "futures"
	KindOptions Kind = "options"
)

// Event is delivered to subscribers once per expiration. For options,
// Lattices holds the strike lattices that just expired; the market has
// already moved on to the re-anchored ones.
type Event struct {
	Kind     Kind
	At       time.Time
	Lattices map[market.Ticker]market.StrikeLattice
}

// Subscriber observes expirations. Subscribers run sequentially in
// registration order and must tolerate expirations with nothing to settle.
type Subscriber interface {
	Name() string
	OnExpiration(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc struct {
	Label string
	Fn    func(ctx context.Context, event Event) error
}

func (f SubscriberFunc) Name() string { return f.Label }

func (f SubscriberFunc) OnExpiration(ctx context.Context, event Event) error {
	return f.Fn(ctx, event)
}

// Clock counts down the hours to the weekly Friday 00:00 expiration for
// futures and options independently.
type Clock struct {
	mu          sync.Mutex
	remaining   map[Kind]int
	subscribers []Subscriber
	log         *logger.Logger
}

// NewClock initializes both countdowns from now in loc
func NewClock(now time.Time, loc *time.Location) *Clock {
	hours := HoursUntilExpiry(now, loc)
	return NewClockAt(hours, hours)
}

// NewClockAt starts the countdowns at explicit values
func NewClockAt(futures, options int) *Clock {
	return &Clock{
		remaining: map[Kind]int{KindFutures: futures, KindOptions: options},
		log:       logger.Get().With("component", "expiration_clock"),
	}
}

// HoursUntilExpiry returns the whole hours until the next Friday 00:00 in
// loc, rounded up. An instant exactly on the boundary yields a full week.
func HoursUntilExpiry(now time.Time, loc *time.Location) int {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	days := (int(time.Friday) - int(local.Weekday()) + 7) % 7
	next := midnight.AddDate(0, 0, days)
	if !next.After(local) {
		next = next.AddDate(0, 0, 7)
	}

	return int(math.Ceil(next.Sub(local).Hours()))
}

// Subscribe registers s. Every expiration is delivered to every subscriber.
func (c *Clock) Subscribe(s Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, s)
}

// Remaining returns the hours left on the countdown for kind
func (c *Clock) Remaining(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining[kind]
}

// Step is the outcome of advancing both countdowns by one hour: the kinds
// that expire and the countdowns after any reset.
type Step struct {
	Fired   []Kind
	Futures int
	Options int
}

// Fires reports whether kind expires in this step
func (s Step) Fires(kind Kind) bool {
	for _, k := range s.Fired {
		if k == kind {
			return true
		}
	}
	return false
}

// Remaining returns the countdown for kind after the step
func (s Step) Remaining(kind Kind) int {
	if kind == KindFutures {
		return s.Futures
	}
	return s.Options
}

// Next computes the following step without applying it
func (c *Clock) Next() Step {
	c.mu.Lock()
	defer c.mu.Unlock()

	var step Step
	for _, kind := range []Kind{KindFutures, KindOptions} {
		left := c.remaining[kind] - 1
		if left <= 0 {
			step.Fired = append(step.Fired, kind)
			left = market.HoursPerWeek
		}
		if kind == KindFutures {
			step.Futures = left
		} else {
			step.Options = left
		}
	}
	return step
}

// Apply sets the countdowns to the values of a step produced by Next
func (c *Clock) Apply(step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining[KindFutures] = step.Futures
	c.remaining[KindOptions] = step.Options
}

// Dispatch delivers each event to every subscriber in registration order.
// Subscriber errors are collected; they never stop delivery.
func (c *Clock) Dispatch(ctx context.Context, events ...Event) error {
	c.mu.Lock()
	subscribers := append([]Subscriber(nil), c.subscribers...)
	c.mu.Unlock()

	var errs errors.MultiError
	for _, event := range events {
		c.log.Infow("Expiration reached", "kind", event.Kind, "at", event.At, "subscribers", len(subscribers))

		for _, s := range subscribers {
			if err := s.OnExpiration(ctx, event); err != nil {
				c.log.Errorw("Expiration subscriber failed", "subscriber", s.Name(), "kind", event.Kind, "error", err)
				errs.Add(errors.Wrapf(err, "subscriber %s", s.Name()))
			}
		}
	}
	return errs.ToError()
}
