package postgres

import (
	"context"
	"database/sql"
	"time"

	"marketsim/internal/domain/settlement"
	"marketsim/internal/metrics"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// Compile-time check that we implement the interface
var _ settlement.Repository = (*LedgerRepository)(nil)

// LedgerRepository persists schedule entries keyed by identification code
type LedgerRepository struct {
	db  DBTX
	log *logger.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{
		db:  db,
		log: logger.Get().With("component", "ledger_repository"),
	}
}

type ledgerRow struct {
	ID        string    `db:"identification_code"`
	Subject   string    `db:"subject"`
	Command   []byte    `db:"command"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row ledgerRow) entry() (*settlement.Entry, error) {
	obligation, err := settlement.DecodeObligation(row.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "entry %s", row.ID)
	}
	return &settlement.Entry{
		ID:         row.ID,
		Subject:    row.Subject,
		Obligation: obligation,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

// Upsert inserts or overwrites by identification code. created_at survives overwrites.
func (r *LedgerRepository) Upsert(ctx context.Context, entry *settlement.Entry) error {
	command, err := settlement.EncodeObligation(entry.Obligation)
	if err != nil {
		return errors.Wrap(err, "failed to encode obligation")
	}

	query := `
		INSERT INTO schedule_entries (identification_code, subject, command, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identification_code) DO UPDATE SET
			subject = EXCLUDED.subject,
			command = EXCLUDED.command,
			updated_at = EXCLUDED.updated_at`

	start := time.Now()
	_, err = r.db.ExecContext(ctx, query, entry.ID, entry.Subject, command, entry.CreatedAt, entry.UpdatedAt)
	metrics.RecordDBQuery("postgres", "ledger_upsert", time.Since(start), err)
	return err
}

// Delete removes the entry, ErrNotFound when it was not there
func (r *LedgerRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM schedule_entries WHERE identification_code = $1`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, id)
	metrics.RecordDBQuery("postgres", "ledger_delete", time.Since(start), err)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "ledger entry %s", id)
	}
	return nil
}

// Get retrieves a single entry
func (r *LedgerRepository) Get(ctx context.Context, id string) (*settlement.Entry, error) {
	var row ledgerRow
	query := `
		SELECT identification_code, subject, command, created_at, updated_at
		FROM schedule_entries
		WHERE identification_code = $1`

	start := time.Now()
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		metrics.RecordDBQuery("postgres", "ledger_get", time.Since(start), nil)
		return nil, errors.Wrapf(errors.ErrNotFound, "ledger entry %s", id)
	}
	metrics.RecordDBQuery("postgres", "ledger_get", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return row.entry()
}

// List returns every entry ordered by id. Rows whose command no longer decodes
// are logged and skipped so one bad row cannot block replay.
func (r *LedgerRepository) List(ctx context.Context) ([]*settlement.Entry, error) {
	var rows []ledgerRow
	query := `
		SELECT identification_code, subject, command, created_at, updated_at
		FROM schedule_entries
		ORDER BY identification_code`

	start := time.Now()
	err := r.db.SelectContext(ctx, &rows, query)
	metrics.RecordDBQuery("postgres", "ledger_list", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	entries := make([]*settlement.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.entry()
		if err != nil {
			r.log.Warnw("Skipping undecodable ledger entry", "id", row.ID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
