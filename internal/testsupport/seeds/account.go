package seeds

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsim/internal/domain/account"
	"marketsim/internal/domain/market"
)

// AccountBuilder provides a fluent API for creating Account documents
type AccountBuilder struct {
	db     DBTX
	ctx    context.Context
	entity *account.Account
}

// NewAccountBuilder creates a new AccountBuilder with sensible defaults
func NewAccountBuilder(db DBTX, ctx context.Context) *AccountBuilder {
	return &AccountBuilder{
		db:     db,
		ctx:    ctx,
		entity: account.New("seed-"+uuid.NewString()[:8], decimal.NewFromInt(1_000_000)),
	}
}

// WithID sets the account id (the chat user id in production)
func (b *AccountBuilder) WithID(id string) *AccountBuilder {
	b.entity.ID = id
	return b
}

// WithBalance sets the cash balance
func (b *AccountBuilder) WithBalance(balance decimal.Decimal) *AccountBuilder {
	b.entity.Balance = balance
	return b
}

// WithStock sets a long stock holding
func (b *AccountBuilder) WithStock(ticker market.Ticker, quantity decimal.Decimal) *AccountBuilder {
	b.entity.Stocks[ticker] = quantity
	return b
}

// WithShort adds a short position bought back at due
func (b *AccountBuilder) WithShort(ticker market.Ticker, quantity, entryPrice decimal.Decimal, due time.Time) *AccountBuilder {
	b.entity.Shorts = append(b.entity.Shorts, account.ShortPosition{
		ID:         uuid.New(),
		Ticker:     ticker,
		Quantity:   quantity,
		EntryPrice: entryPrice,
		Due:        due,
	})
	return b
}

// WithLoan adds an outstanding loan repaid at due
func (b *AccountBuilder) WithLoan(principal, amountDue decimal.Decimal, due time.Time) *AccountBuilder {
	b.entity.Loans = append(b.entity.Loans, account.Loan{
		ID:        uuid.New(),
		Principal: principal,
		AmountDue: amountDue,
		Due:       due,
	})
	return b
}

// WithFutures adds a signed futures position
func (b *AccountBuilder) WithFutures(ticker market.Ticker, quantity, entryPrice decimal.Decimal) *AccountBuilder {
	b.entity.Futures = append(b.entity.Futures, account.FuturesPosition{
		ID:         uuid.New(),
		Ticker:     ticker,
		Quantity:   quantity,
		EntryPrice: entryPrice,
	})
	return b
}

// Build returns the built entity without inserting to DB
func (b *AccountBuilder) Build() *account.Account {
	return b.entity
}

// Insert inserts the account document and returns the entity
func (b *AccountBuilder) Insert() (*account.Account, error) {
	document, err := json.Marshal(b.entity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}

	query := `
		INSERT INTO accounts (id, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = b.db.ExecContext(
		b.ctx,
		query,
		b.entity.ID,
		document,
		b.entity.Version,
		b.entity.CreatedAt,
		b.entity.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	return b.entity, nil
}

// MustInsert inserts the account and panics on error (useful for tests)
func (b *AccountBuilder) MustInsert() *account.Account {
	entity, err := b.Insert()
	if err != nil {
		panic(err)
	}
	return entity
}
