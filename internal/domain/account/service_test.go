package account_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/domain/account"
	"marketsim/internal/testsupport"
	"marketsim/pkg/errors"
)

func newService(t *testing.T) (*account.Service, *testsupport.MemoryAccountRepository) {
	t.Helper()
	repo := testsupport.NewMemoryAccountRepository()
	svc := account.NewService(repo, 3)
	_, err := svc.Open(context.Background(), "acct-1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	return svc, repo
}

func TestService_UpdateBumpsVersion(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	updated, err := svc.Update(ctx, "acct-1", func(a *account.Account) error {
		a.Credit(decimal.NewFromInt(50))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1050).Equal(updated.Balance))
	assert.Equal(t, int64(1), updated.Version)

	stored, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1050).Equal(stored.Balance))
}

func TestService_UpdateRetriesOnConflict(t *testing.T) {
	svc, repo := newService(t)
	repo.ConflictsBeforeSave = 2

	calls := 0
	_, err := svc.Update(context.Background(), "acct-1", func(a *account.Account) error {
		calls++
		a.Debit(decimal.NewFromInt(10))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	stored, err := svc.Get(context.Background(), "acct-1")
	require.NoError(t, err)
	// Each attempt starts from the stored document, so the debit applies once
	assert.True(t, decimal.NewFromInt(990).Equal(stored.Balance))
}

func TestService_UpdateGivesUpAfterMaxAttempts(t *testing.T) {
	svc, repo := newService(t)
	repo.ConflictsBeforeSave = 5

	_, err := svc.Update(context.Background(), "acct-1", func(a *account.Account) error {
		a.Credit(decimal.NewFromInt(1))
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestService_FailedSaveLeavesStoreUntouched(t *testing.T) {
	svc, repo := newService(t)
	repo.SaveErr = errors.New("connection reset")

	_, err := svc.Update(context.Background(), "acct-1", func(a *account.Account) error {
		a.Debit(decimal.NewFromInt(999))
		return nil
	})
	require.Error(t, err)

	repo.SaveErr = nil
	stored, err := svc.Get(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000).Equal(stored.Balance))
	assert.Equal(t, int64(0), stored.Version)
}

func TestService_MutateErrorAborts(t *testing.T) {
	svc, repo := newService(t)

	_, err := svc.Update(context.Background(), "acct-1", func(a *account.Account) error {
		return errors.ErrInsufficientBalance
	})
	assert.True(t, errors.Is(err, errors.ErrInsufficientBalance))
	assert.Equal(t, 0, repo.Saves)
}

func TestService_ConcurrentUpdatesSerialize(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Update(ctx, "acct-1", func(a *account.Account) error {
				a.Credit(decimal.NewFromInt(1))
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000+n).Equal(stored.Balance))
	assert.Equal(t, int64(n), stored.Version)
}

func TestService_UnknownAccount(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Update(context.Background(), "missing", func(a *account.Account) error { return nil })
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestAccount_CloneIsDeep(t *testing.T) {
	acc := account.New("a", decimal.NewFromInt(1))
	acc.Stocks["ACME"] = decimal.NewFromInt(3)
	acc.Loans = []account.Loan{{AmountDue: decimal.NewFromInt(5)}}

	clone := acc.Clone()
	clone.Stocks["ACME"] = decimal.NewFromInt(9)
	clone.Loans[0].AmountDue = decimal.NewFromInt(7)

	assert.True(t, decimal.NewFromInt(3).Equal(acc.Stocks["ACME"]))
	assert.True(t, decimal.NewFromInt(5).Equal(acc.Loans[0].AmountDue))
}
