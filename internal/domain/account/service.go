package account

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

const defaultMaxAttempts = 3

// Service serializes read-modify-write cycles per account. Writers in this
// process wait on a per-account mutex; writers elsewhere are caught by the
// repository's version check and retried.
type Service struct {
	repo        Repository
	locks       *keyedMutex
	maxAttempts int
	log         *logger.Logger
}

// NewService constructs an account service.
func NewService(repo Repository, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{
		repo:        repo,
		locks:       newKeyedMutex(),
		maxAttempts: maxAttempts,
		log:         logger.Get().With("component", "account_service"),
	}
}

// Open creates a new account.
func (s *Service) Open(ctx context.Context, id string, balance decimal.Decimal) (*Account, error) {
	if id == "" {
		return nil, errors.NewValidationError("id", "required", id)
	}
	if balance.IsNegative() {
		return nil, errors.NewValidationError("balance", "must not be negative", balance)
	}

	acc := New(id, balance)
	if err := s.repo.Create(ctx, acc); err != nil {
		return nil, errors.Wrap(err, "create account")
	}
	return acc, nil
}

// Get loads an account.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	acc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get account %s", id)
	}
	return acc, nil
}

// Update applies mutate to a fresh copy of the account and saves it.
// A version conflict reloads and reapplies; mutate must therefore be
// safe to call more than once. The stored account is untouched unless
// Save succeeds.
func (s *Service) Update(ctx context.Context, id string, mutate func(*Account) error) (*Account, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "load account %s", id)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = time.Now().UTC()

		err = s.repo.Save(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, errors.ErrConflict) {
			return nil, errors.Wrapf(err, "save account %s", id)
		}

		lastErr = err
		s.log.Warnw("Account version conflict, retrying",
			"account_id", id,
			"attempt", attempt,
			"version", current.Version,
		)
	}

	return nil, errors.Wrapf(lastErr, "save account %s after %d attempts", id, s.maxAttempts)
}

// keyedMutex hands out one mutex per key and forgets it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
