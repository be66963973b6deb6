package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"marketsim/internal/domain/account"
	"marketsim/internal/metrics"
	"marketsim/pkg/errors"
)

// Compile-time check that we implement the interface
var _ account.Repository = (*AccountRepository)(nil)

const uniqueViolation = "23505"

// AccountRepository stores account documents as JSONB with an optimistic version column
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts a new account document at version 0
func (r *AccountRepository) Create(ctx context.Context, acc *account.Account) error {
	document, err := json.Marshal(acc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal account")
	}

	query := `
		INSERT INTO accounts (id, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	start := time.Now()
	_, err = r.db.ExecContext(ctx, query, acc.ID, document, acc.Version, acc.CreatedAt, acc.UpdatedAt)
	metrics.RecordDBQuery("postgres", "account_create", time.Since(start), err)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return errors.Wrapf(errors.ErrAlreadyExists, "account %s", acc.ID)
	}
	return err
}

// Get retrieves an account by id
func (r *AccountRepository) Get(ctx context.Context, id string) (*account.Account, error) {
	var (
		document []byte
		version  int64
	)

	query := `SELECT document, version FROM accounts WHERE id = $1`

	start := time.Now()
	err := r.db.QueryRowContext(ctx, query, id).Scan(&document, &version)
	if err == sql.ErrNoRows {
		metrics.RecordDBQuery("postgres", "account_get", time.Since(start), nil)
		return nil, errors.Wrapf(errors.ErrNotFound, "account %s", id)
	}
	metrics.RecordDBQuery("postgres", "account_get", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	var acc account.Account
	if err := json.Unmarshal(document, &acc); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal account %s", id)
	}
	// the column is authoritative
	acc.Version = version
	return &acc, nil
}

// Save writes the document only if the stored version still matches
func (r *AccountRepository) Save(ctx context.Context, acc *account.Account) error {
	next := *acc
	next.Version = acc.Version + 1
	next.UpdatedAt = time.Now().UTC()

	document, err := json.Marshal(&next)
	if err != nil {
		return errors.Wrap(err, "failed to marshal account")
	}

	query := `
		UPDATE accounts
		SET document = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, document, next.UpdatedAt, acc.ID, acc.Version)
	metrics.RecordDBQuery("postgres", "account_save", time.Since(start), err)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "account %s at version %d", acc.ID, acc.Version)
	}

	acc.Version = next.Version
	acc.UpdatedAt = next.UpdatedAt
	return nil
}

// ListIDs returns all account ids, ordered
func (r *AccountRepository) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	query := `SELECT id FROM accounts ORDER BY id`

	start := time.Now()
	err := r.db.SelectContext(ctx, &ids, query)
	metrics.RecordDBQuery("postgres", "account_list", time.Since(start), err)
	return ids, err
}
