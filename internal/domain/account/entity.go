package account

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsim/internal/domain/market"
)

// Account is the document a settlement handler reads and writes.
// Version is bumped on every successful save and checked optimistically.
type Account struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`

	Stocks     map[market.Ticker]decimal.Decimal `json:"stocks"`
	Shorts     []ShortPosition                   `json:"shorts"`
	Loans      []Loan                            `json:"loans"`
	Futures    []FuturesPosition                 `json:"futures"`
	Options    []OptionPosition                  `json:"options"`
	BinaryBets []BinaryBet                       `json:"binary_bets"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShortPosition is borrowed stock sold short, bought back at Due
type ShortPosition struct {
	ID         uuid.UUID       `json:"id"`
	Ticker     market.Ticker   `json:"ticker"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Due        time.Time       `json:"due"`
}

// Loan is an outstanding principal repaid at Due
type Loan struct {
	ID        uuid.UUID       `json:"id"`
	Principal decimal.Decimal `json:"principal"`
	AmountDue decimal.Decimal `json:"amount_due"`
	Due       time.Time       `json:"due"`
}

// FuturesPosition quantity is signed: positive long, negative short
type FuturesPosition struct {
	ID         uuid.UUID       `json:"id"`
	Ticker     market.Ticker   `json:"ticker"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// OptionRight is call or put
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

// Valid checks if right is call or put
func (r OptionRight) Valid() bool {
	return r == RightCall || r == RightPut
}

// OptionPosition quantity is signed: positive bought, negative written
type OptionPosition struct {
	ID       uuid.UUID       `json:"id"`
	Ticker   market.Ticker   `json:"ticker"`
	Strike   decimal.Decimal `json:"strike"`
	Right    OptionRight     `json:"right"`
	Quantity decimal.Decimal `json:"quantity"`
	Premium  decimal.Decimal `json:"premium"`
}

// BinaryBet is an open fixed-payout bet
type BinaryBet struct {
	ID        uuid.UUID       `json:"id"`
	Ticker    market.Ticker   `json:"ticker"`
	Strike    decimal.Decimal `json:"strike"`
	Direction string          `json:"direction"`
	Stake     decimal.Decimal `json:"stake"`
	Due       time.Time       `json:"due"`
}

// New returns an empty account with the given opening balance
func New(id string, balance decimal.Decimal) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:        id,
		Balance:   balance,
		Stocks:    map[market.Ticker]decimal.Decimal{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy. Mutations go to a clone so a failed save
// never leaves a half-applied change in memory.
func (a *Account) Clone() *Account {
	out := *a
	out.Stocks = make(map[market.Ticker]decimal.Decimal, len(a.Stocks))
	for k, v := range a.Stocks {
		out.Stocks[k] = v
	}
	out.Shorts = append([]ShortPosition(nil), a.Shorts...)
	out.Loans = append([]Loan(nil), a.Loans...)
	out.Futures = append([]FuturesPosition(nil), a.Futures...)
	out.Options = append([]OptionPosition(nil), a.Options...)
	out.BinaryBets = append([]BinaryBet(nil), a.BinaryBets...)
	return &out
}

// Credit adds amount (may be negative) to the balance
func (a *Account) Credit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
}

// Debit subtracts amount from the balance. Balances may go negative:
// obligations are always discharged.
func (a *Account) Debit(amount decimal.Decimal) {
	a.Balance = a.Balance.Sub(amount)
}

// RemoveShort drops the short position with id
func (a *Account) RemoveShort(id uuid.UUID) bool {
	for i, p := range a.Shorts {
		if p.ID == id {
			a.Shorts = append(a.Shorts[:i], a.Shorts[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveLoan drops the loan with id
func (a *Account) RemoveLoan(id uuid.UUID) bool {
	for i, l := range a.Loans {
		if l.ID == id {
			a.Loans = append(a.Loans[:i], a.Loans[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveBinaryBet drops the bet with id
func (a *Account) RemoveBinaryBet(id uuid.UUID) bool {
	for i, b := range a.BinaryBets {
		if b.ID == id {
			a.BinaryBets = append(a.BinaryBets[:i], a.BinaryBets[i+1:]...)
			return true
		}
	}
	return false
}
