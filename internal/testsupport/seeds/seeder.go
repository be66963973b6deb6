package seeds

import (
	"context"
	"database/sql"

	"marketsim/pkg/logger"
)

// DBTX is the interface that both *sql.DB and *sql.Tx satisfy
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Seeder is the central orchestrator for creating seed data
// It provides a fluent API to build accounts and their scheduled obligations
type Seeder struct {
	db  DBTX
	ctx context.Context
	log *logger.Logger
}

// New creates a new Seeder instance
func New(db DBTX) *Seeder {
	return &Seeder{
		db:  db,
		ctx: context.Background(),
		log: logger.Get().With("component", "seeds"),
	}
}

// WithContext sets the context for database operations
func (s *Seeder) WithContext(ctx context.Context) *Seeder {
	s.ctx = ctx
	return s
}

// Log returns the logger instance
func (s *Seeder) Log() *logger.Logger {
	return s.log
}

// Account starts building an Account document
func (s *Seeder) Account() *AccountBuilder {
	return NewAccountBuilder(s.db, s.ctx)
}

// LedgerEntry starts building a settlement ledger entry
func (s *Seeder) LedgerEntry() *LedgerEntryBuilder {
	return NewLedgerEntryBuilder(s.db, s.ctx)
}
