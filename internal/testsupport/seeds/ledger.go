package seeds

import (
	"context"
	"fmt"
	"time"

	"marketsim/internal/domain/account"
	"marketsim/internal/domain/settlement"
)

// LedgerEntryBuilder builds schedule entries. The identification code is
// derived from the subject and obligation unless set explicitly.
type LedgerEntryBuilder struct {
	db     DBTX
	ctx    context.Context
	ref    string
	entity *settlement.Entry
}

// NewLedgerEntryBuilder creates a builder for a book futures settlement
func NewLedgerEntryBuilder(db DBTX, ctx context.Context) *LedgerEntryBuilder {
	now := time.Now().UTC()
	return &LedgerEntryBuilder{
		db:  db,
		ctx: ctx,
		entity: &settlement.Entry{
			Obligation: settlement.FuturesSettlement{},
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
}

// WithID overrides the derived identification code
func (b *LedgerEntryBuilder) WithID(id string) *LedgerEntryBuilder {
	b.entity.ID = id
	return b
}

// WithSubject sets the account the entry settles against
func (b *LedgerEntryBuilder) WithSubject(subject string) *LedgerEntryBuilder {
	b.entity.Subject = subject
	return b
}

// WithObligation sets the deferred command
func (b *LedgerEntryBuilder) WithObligation(o settlement.Obligation, ref string) *LedgerEntryBuilder {
	b.entity.Obligation = o
	b.ref = ref
	return b
}

// ForShort schedules the buyback of the account's short position
func (b *LedgerEntryBuilder) ForShort(acc *account.Account, short account.ShortPosition) *LedgerEntryBuilder {
	b.entity.Subject = acc.ID
	return b.WithObligation(settlement.ShortBuyback{
		PositionID: short.ID,
		Ticker:     short.Ticker,
		Quantity:   short.Quantity,
		DueAt:      short.Due,
	}, short.ID.String())
}

// ForLoan schedules the repayment of the account's loan
func (b *LedgerEntryBuilder) ForLoan(acc *account.Account, loan account.Loan) *LedgerEntryBuilder {
	b.entity.Subject = acc.ID
	return b.WithObligation(settlement.LoanRepayment{
		LoanID:    loan.ID,
		AmountDue: loan.AmountDue,
		DueAt:     loan.Due,
	}, loan.ID.String())
}

// Build returns the entry without inserting it
func (b *LedgerEntryBuilder) Build() *settlement.Entry {
	if b.entity.ID == "" {
		b.entity.ID = settlement.EntryKey{
			Subject: b.entity.Subject,
			Kind:    b.entity.Obligation.Kind(),
			Ref:     b.ref,
		}.String()
	}
	return b.entity
}

// Insert writes the entry into schedule_entries
func (b *LedgerEntryBuilder) Insert() (*settlement.Entry, error) {
	entry := b.Build()
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger entry: %w", err)
	}

	command, err := settlement.EncodeObligation(entry.Obligation)
	if err != nil {
		return nil, fmt.Errorf("failed to encode obligation: %w", err)
	}

	query := `
		INSERT INTO schedule_entries (identification_code, subject, command, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = b.db.ExecContext(b.ctx, query, entry.ID, entry.Subject, command, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return entry, nil
}

// MustInsert inserts the entry and panics on error (useful for tests)
func (b *LedgerEntryBuilder) MustInsert() *settlement.Entry {
	entity, err := b.Insert()
	if err != nil {
		panic(err)
	}
	return entity
}
