package expiration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/domain/market"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func TestHoursUntilExpiry(t *testing.T) {
	loc := seoul(t)

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"exact boundary is a full week", time.Date(2024, 3, 8, 0, 0, 0, 0, loc), 168},
		{"thursday late evening", time.Date(2024, 3, 7, 23, 0, 0, 0, loc), 1},
		{"partial hour rounds up", time.Date(2024, 3, 7, 23, 30, 0, 0, loc), 1},
		{"friday one hour after", time.Date(2024, 3, 8, 1, 0, 0, 0, loc), 167},
		{"monday midnight", time.Date(2024, 3, 4, 0, 0, 0, 0, loc), 96},
		{"utc input uses reference zone", time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC), 1}, // 23:00 KST
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HoursUntilExpiry(tt.now, loc))
		})
	}
}

// advance applies one step and dispatches its expirations
func advance(t *testing.T, c *Clock, at time.Time) ([]Kind, error) {
	t.Helper()
	step := c.Next()
	c.Apply(step)

	events := make([]Event, 0, len(step.Fired))
	for _, kind := range step.Fired {
		events = append(events, Event{Kind: kind, At: at})
	}
	return step.Fired, c.Dispatch(context.Background(), events...)
}

func TestClock_FiresOnceAndResets(t *testing.T) {
	clock := NewClockAt(1, 5)

	calls := 0
	var got Event
	clock.Subscribe(SubscriberFunc{Label: "settlement", Fn: func(ctx context.Context, e Event) error {
		calls++
		got = e
		return nil
	}})

	at := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	fired, err := advance(t, clock, at)
	require.NoError(t, err)

	assert.Equal(t, []Kind{KindFutures}, fired)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Event{Kind: KindFutures, At: at}, got)
	assert.Equal(t, market.HoursPerWeek, clock.Remaining(KindFutures))
	assert.Equal(t, 4, clock.Remaining(KindOptions))

	fired, err = advance(t, clock, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Equal(t, 1, calls)
}

func TestClock_NextDoesNotMutate(t *testing.T) {
	clock := NewClockAt(3, 1)

	step := clock.Next()
	assert.Equal(t, []Kind{KindOptions}, step.Fired)
	assert.True(t, step.Fires(KindOptions))
	assert.False(t, step.Fires(KindFutures))
	assert.Equal(t, 2, step.Remaining(KindFutures))
	assert.Equal(t, market.HoursPerWeek, step.Remaining(KindOptions))

	assert.Equal(t, 3, clock.Remaining(KindFutures))
	assert.Equal(t, 1, clock.Remaining(KindOptions))
	assert.Equal(t, step, clock.Next(), "repeatable until applied")

	clock.Apply(step)
	assert.Equal(t, 2, clock.Remaining(KindFutures))
	assert.Equal(t, market.HoursPerWeek, clock.Remaining(KindOptions))
}

func TestClock_DispatchInRegistrationOrder(t *testing.T) {
	clock := NewClockAt(3, 1)

	var order []string
	for _, name := range []string{"settlement", "telemetry"} {
		clock.Subscribe(SubscriberFunc{Label: name, Fn: func(ctx context.Context, e Event) error {
			order = append(order, name+":"+string(e.Kind))
			return nil
		}})
	}

	expired := map[market.Ticker]market.StrikeLattice{"ACME": market.NewStrikeLattice(13730)}
	err := clock.Dispatch(context.Background(),
		Event{Kind: KindFutures, At: time.Now()},
		Event{Kind: KindOptions, At: time.Now(), Lattices: expired},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"settlement:futures", "telemetry:futures",
		"settlement:options", "telemetry:options",
	}, order)
}

func TestClock_SubscriberErrorDoesNotBlockOthers(t *testing.T) {
	clock := NewClockAt(1, 1)

	delivered := 0
	clock.Subscribe(SubscriberFunc{Label: "broken", Fn: func(ctx context.Context, e Event) error {
		return errors.New("boom")
	}})
	clock.Subscribe(SubscriberFunc{Label: "ok", Fn: func(ctx context.Context, e Event) error {
		delivered++
		return nil
	}})

	fired, err := advance(t, clock, time.Now())
	assert.Error(t, err)
	assert.Len(t, fired, 2)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, market.HoursPerWeek, clock.Remaining(KindFutures))
	assert.Equal(t, market.HoursPerWeek, clock.Remaining(KindOptions))
}

func TestClock_FullWeekCycle(t *testing.T) {
	loc := seoul(t)
	start := time.Date(2024, 3, 8, 0, 0, 0, 0, loc)
	clock := NewClock(start, loc)

	expirations := 0
	clock.Subscribe(SubscriberFunc{Label: "count", Fn: func(ctx context.Context, e Event) error {
		expirations++
		return nil
	}})

	for h := 1; h <= 2*market.HoursPerWeek; h++ {
		_, err := advance(t, clock, start.Add(time.Duration(h)*time.Hour))
		require.NoError(t, err)
	}
	// two weeks, two kinds
	assert.Equal(t, 4, expirations)
}
