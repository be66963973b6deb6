package testsupport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"marketsim/internal/domain/account"
	"marketsim/internal/domain/settlement"
	"marketsim/pkg/errors"
)

// MemoryAccountRepository is an in-process account.Repository with the same
// optimistic version semantics as the PostgreSQL implementation.
type MemoryAccountRepository struct {
	mu       sync.Mutex
	accounts map[string][]byte

	// SaveErr, when set, is returned by Save instead of writing
	SaveErr error
	// ConflictsBeforeSave makes the next N saves fail with ErrConflict
	ConflictsBeforeSave int
	Saves               int
}

// NewMemoryAccountRepository creates an empty repository
func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{accounts: make(map[string][]byte)}
}

func (r *MemoryAccountRepository) Create(ctx context.Context, acc *account.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[acc.ID]; ok {
		return errors.Wrapf(errors.ErrAlreadyExists, "account %s", acc.ID)
	}
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	r.accounts[acc.ID] = data
	return nil
}

func (r *MemoryAccountRepository) Get(ctx context.Context, id string) (*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.accounts[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "account %s", id)
	}
	var acc account.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *MemoryAccountRepository) Save(ctx context.Context, acc *account.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SaveErr != nil {
		return r.SaveErr
	}
	if r.ConflictsBeforeSave > 0 {
		r.ConflictsBeforeSave--
		return errors.Wrapf(errors.ErrConflict, "account %s", acc.ID)
	}

	data, ok := r.accounts[acc.ID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "account %s", acc.ID)
	}
	var stored account.Account
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	if stored.Version != acc.Version {
		return errors.Wrapf(errors.ErrConflict, "account %s version %d != %d", acc.ID, acc.Version, stored.Version)
	}

	acc.Version++
	data, err := json.Marshal(acc)
	if err != nil {
		acc.Version--
		return err
	}
	r.accounts[acc.ID] = data
	r.Saves++
	return nil
}

// Put overwrites an account without a version check
func (r *MemoryAccountRepository) Put(acc *account.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, _ := json.Marshal(acc)
	r.accounts[acc.ID] = data
}

var _ account.Repository = (*MemoryAccountRepository)(nil)

// MemoryLedgerRepository is an in-process settlement.Repository. Entries are
// stored in their JSON record form so codec errors surface as they would
// against a real store.
type MemoryLedgerRepository struct {
	mu      sync.Mutex
	entries map[string][]byte

	// UpsertErr, when set, is returned by Upsert
	UpsertErr error
	// DeleteErr, when set, is returned by Delete
	DeleteErr error
}

// NewMemoryLedgerRepository creates an empty ledger
func NewMemoryLedgerRepository() *MemoryLedgerRepository {
	return &MemoryLedgerRepository{entries: make(map[string][]byte)}
}

func (r *MemoryLedgerRepository) Upsert(ctx context.Context, entry *settlement.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.UpsertErr != nil {
		return r.UpsertErr
	}

	stored := *entry
	if data, ok := r.entries[entry.ID]; ok {
		var existing settlement.Entry
		if err := json.Unmarshal(data, &existing); err == nil {
			stored.CreatedAt = existing.CreatedAt
		}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	r.entries[entry.ID] = data
	return nil
}

func (r *MemoryLedgerRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	if _, ok := r.entries[id]; !ok {
		return errors.Wrapf(errors.ErrNotFound, "ledger entry %s", id)
	}
	delete(r.entries, id)
	return nil
}

func (r *MemoryLedgerRepository) Get(ctx context.Context, id string) (*settlement.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.entries[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "ledger entry %s", id)
	}
	var entry settlement.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *MemoryLedgerRepository) List(ctx context.Context) ([]*settlement.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*settlement.Entry, 0, len(r.entries))
	for _, data := range r.entries {
		var entry settlement.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored entries
func (r *MemoryLedgerRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

var _ settlement.Repository = (*MemoryLedgerRepository)(nil)
