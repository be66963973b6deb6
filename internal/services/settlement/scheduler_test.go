package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/domain/settlement"
	"marketsim/internal/services/expiration"
	"marketsim/internal/testsupport"
	"marketsim/pkg/clock"
	"marketsim/pkg/errors"
)

var epoch = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type call struct {
	id      string
	subject string
	at      time.Time
	kind    settlement.Kind
}

type recordingHandler struct {
	mu     sync.Mutex
	clock  clock.Clock
	calls  []call
	failN  int                           // fail the first N calls
	during func(entry *settlement.Entry) // runs inside Settle
}

func (h *recordingHandler) Settle(ctx context.Context, entry *settlement.Entry) (settlement.Result, error) {
	if h.during != nil {
		h.during(entry)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{id: entry.ID, subject: entry.Subject, at: h.clock.Now(), kind: entry.Kind()})
	if h.failN > 0 {
		h.failN--
		return settlement.Result{}, errors.Join(errors.ErrSettlementFailed, errors.ErrUnavailable)
	}
	return settlement.Result{EntryID: entry.ID, Subject: entry.Subject, Kind: entry.Kind(), Amount: "0"}, nil
}

func (h *recordingHandler) Calls() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

type fixture struct {
	scheduler *Scheduler
	repo      *testsupport.MemoryLedgerRepository
	handler   *recordingHandler
	clock     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(epoch)
	repo := testsupport.NewMemoryLedgerRepository()
	handler := &recordingHandler{clock: fake}
	s := NewScheduler(repo, handler, nil, fake, Config{
		RetryDelay:     time.Minute,
		ReplayRate:     20,
		ReplayBurst:    5,
		MaxConcurrency: 4,
	})
	return &fixture{scheduler: s, repo: repo, handler: handler, clock: fake}
}

func loan(due time.Time, amount int64) settlement.LoanRepayment {
	return settlement.LoanRepayment{LoanID: uuid.New(), AmountDue: decimal.NewFromInt(amount), DueAt: due}
}

func TestUpsert_SameKeyOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scheduler.Upsert(ctx, "K", "s1", loan(epoch.Add(time.Hour), 100))
	require.NoError(t, err)
	second := loan(epoch.Add(2*time.Hour), 200)
	_, err = f.scheduler.Upsert(ctx, "K", "s2", second)
	require.NoError(t, err)

	assert.Equal(t, 1, f.repo.Len())
	assert.Equal(t, 1, f.scheduler.ArmedCount())
	assert.Equal(t, 1, f.clock.Pending(), "the superseded timer is cancelled")

	entry, err := f.scheduler.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, "s2", entry.Subject)
	got, ok := entry.Obligation.(settlement.LoanRepayment)
	require.True(t, ok)
	assert.Equal(t, second.LoanID, got.LoanID)
	assert.True(t, second.AmountDue.Equal(got.AmountDue))

	f.clock.Advance(90 * time.Minute)
	assert.Empty(t, f.handler.Calls())

	f.clock.Advance(30 * time.Minute)
	calls := f.handler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "s2", calls[0].subject)
	assert.Equal(t, 0, f.repo.Len(), "discharged entries leave the ledger")
}

func TestUpsert_KeepsCreatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scheduler.Upsert(ctx, "u1:futures_settlement", "u1", settlement.FuturesSettlement{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.scheduler.Upsert(ctx, "u1:futures_settlement", "u1", settlement.FuturesSettlement{})
	require.NoError(t, err)

	entry, err := f.scheduler.Get(ctx, "u1:futures_settlement")
	require.NoError(t, err)
	assert.True(t, entry.CreatedAt.Equal(epoch))
	assert.True(t, entry.UpdatedAt.Equal(epoch.Add(10*time.Minute)))
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.Upsert(context.Background(), "K", "", loan(epoch, 1))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	assert.Equal(t, 0, f.repo.Len())
}

func TestUpsert_PersistenceFailureDoesNotArm(t *testing.T) {
	f := newFixture(t)
	f.repo.UpsertErr = errors.New("connection reset")

	_, err := f.scheduler.Upsert(context.Background(), "K", "s1", loan(epoch.Add(time.Hour), 1))
	assert.True(t, errors.Is(err, errors.ErrPersistence))
	assert.Equal(t, 0, f.scheduler.ArmedCount())
}

func TestRemove_CancelsTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scheduler.Upsert(ctx, "K", "s1", loan(epoch.Add(time.Hour), 100))
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Remove(ctx, "K"))

	assert.Equal(t, 0, f.repo.Len())
	assert.Equal(t, 0, f.scheduler.ArmedCount())
	assert.Equal(t, 0, f.clock.Pending())

	f.clock.Advance(2 * time.Hour)
	assert.Empty(t, f.handler.Calls())
}

func TestRemove_UnknownKey(t *testing.T) {
	f := newFixture(t)

	err := f.scheduler.Remove(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestReplayAll_ArmsEveryEntryAtItsDueTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dues := map[string]time.Time{
		"a": epoch.Add(10 * time.Minute),
		"b": epoch.Add(2 * time.Hour),
		"c": epoch.Add(26 * time.Hour),
	}
	for id, due := range dues {
		require.NoError(t, f.repo.Upsert(ctx, &settlement.Entry{ID: id, Subject: "s-" + id, Obligation: loan(due, 1)}))
	}
	require.NoError(t, f.repo.Upsert(ctx, &settlement.Entry{ID: "book", Subject: "s-book", Obligation: settlement.OptionSettlement{}}))

	n, err := f.scheduler.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, f.scheduler.ArmedCount())
	assert.Equal(t, 3, f.clock.Pending(), "book entries wait for the expiration instead of a timer")

	f.clock.Advance(48 * time.Hour)
	calls := f.handler.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.True(t, c.at.Equal(dues[c.id]), "%s fired at %s, due %s", c.id, c.at, dues[c.id])
	}

	state, ok := f.scheduler.State("book")
	require.True(t, ok)
	assert.Equal(t, settlement.StateArmed, state)
}

func TestReplayAll_ThrottlesOverdueEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		require.NoError(t, f.repo.Upsert(ctx, &settlement.Entry{ID: id, Subject: "s", Obligation: loan(epoch.Add(-time.Hour), 1)}))
	}

	n, err := f.scheduler.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	f.clock.Advance(0)
	assert.Len(t, f.handler.Calls(), 5, "burst fires immediately")

	f.clock.Advance(time.Second)
	calls := f.handler.Calls()
	require.Len(t, calls, 8)
	for i := 1; i < len(calls); i++ {
		assert.False(t, calls[i].at.Before(calls[i-1].at))
	}
	assert.True(t, calls[7].at.After(epoch))
	assert.Equal(t, 0, f.repo.Len())
}

func TestHandlerFailure_KeepsEntryAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handler.failN = 1

	_, err := f.scheduler.Upsert(ctx, "K", "s1", loan(epoch.Add(time.Hour), 100))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	require.Len(t, f.handler.Calls(), 1)
	assert.Equal(t, 1, f.repo.Len(), "failed obligations stay in the ledger")
	state, ok := f.scheduler.State("K")
	require.True(t, ok)
	assert.Equal(t, settlement.StatePending, state)

	f.clock.Advance(time.Minute)
	calls := f.handler.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].at.Equal(epoch.Add(time.Hour+time.Minute)))
	assert.Equal(t, 0, f.repo.Len())
	_, ok = f.scheduler.State("K")
	assert.False(t, ok)
}

func TestRemoveWhileFiring_HandlerCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.during = func(entry *settlement.Entry) {
		require.NoError(t, f.scheduler.Remove(ctx, entry.ID))
	}
	_, err := f.scheduler.Upsert(ctx, "K", "s1", loan(epoch.Add(time.Hour), 100))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	assert.Len(t, f.handler.Calls(), 1)
	assert.Equal(t, 0, f.repo.Len())
	assert.Equal(t, 0, f.scheduler.ArmedCount())
}

func TestUpsertWhileFiring_NewVersionSurvives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	replacement := loan(epoch.Add(5*time.Hour), 300)
	f.handler.during = func(entry *settlement.Entry) {
		if entry.Subject == "s1" {
			_, err := f.scheduler.Upsert(ctx, "K", "s2", replacement)
			require.NoError(t, err)
		}
	}
	_, err := f.scheduler.Upsert(ctx, "K", "s1", loan(epoch.Add(time.Hour), 100))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.repo.Len(), "the stale completion must not delete the new version")

	entry, err := f.scheduler.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, "s2", entry.Subject)

	f.clock.Advance(4 * time.Hour)
	assert.Len(t, f.handler.Calls(), 2)
	assert.Equal(t, 0, f.repo.Len())
}

func TestDeleteFailureAfterSettlement_Retries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scheduler.Upsert(ctx, "K", "s1", loan(epoch.Add(time.Hour), 100))
	require.NoError(t, err)

	f.repo.DeleteErr = errors.New("connection reset")
	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.repo.Len())

	f.repo.DeleteErr = nil
	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.repo.Len())
	assert.Len(t, f.handler.Calls(), 2)
}

func TestOnExpiration_SettlesMatchingBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, subject := range []string{"u1", "u2", "u3"} {
		_, err := f.scheduler.Upsert(ctx, subject+":futures_settlement", subject, settlement.FuturesSettlement{})
		require.NoError(t, err)
	}
	_, err := f.scheduler.Upsert(ctx, "u1:option_settlement", "u1", settlement.OptionSettlement{})
	require.NoError(t, err)

	err = f.scheduler.OnExpiration(ctx, expiration.Event{Kind: expiration.KindFutures, At: epoch})
	require.NoError(t, err)

	calls := f.handler.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, settlement.KindFuturesSettlement, c.kind)
	}
	assert.Equal(t, 1, f.repo.Len())
	assert.Equal(t, 1, f.scheduler.ArmedCount())

	err = f.scheduler.OnExpiration(ctx, expiration.Event{Kind: expiration.KindFutures, At: epoch.Add(168 * time.Hour)})
	require.NoError(t, err, "an expiration with nothing to settle is fine")
	assert.Len(t, f.handler.Calls(), 3)
}

func TestOnExpiration_FailedBookRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handler.failN = 1

	_, err := f.scheduler.Upsert(ctx, "u1:option_settlement", "u1", settlement.OptionSettlement{})
	require.NoError(t, err)

	err = f.scheduler.OnExpiration(ctx, expiration.Event{Kind: expiration.KindOptions, At: epoch})
	assert.Error(t, err)
	assert.Equal(t, 1, f.repo.Len())

	f.clock.Advance(time.Minute)
	assert.Len(t, f.handler.Calls(), 2)
	assert.Equal(t, 0, f.repo.Len())
}

func TestSweepPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// written by another process, never armed here
	require.NoError(t, f.repo.Upsert(ctx, &settlement.Entry{ID: "orphan", Subject: "s", Obligation: loan(epoch.Add(time.Hour), 1)}))

	n, err := f.scheduler.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.scheduler.ArmedCount())

	n, err = f.scheduler.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "armed entries are left alone")

	f.handler.failN = 1
	f.clock.Advance(time.Hour)
	state, _ := f.scheduler.State("orphan")
	require.Equal(t, settlement.StatePending, state)

	n, err = f.scheduler.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.clock.Advance(0)
	assert.Len(t, f.handler.Calls(), 2)
	assert.Equal(t, 0, f.repo.Len())
}
