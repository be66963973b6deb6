package settlement

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsim/internal/domain/market"
	"marketsim/pkg/errors"
)

// Kind names one action of the closed obligation vocabulary
type Kind string

const (
	KindShortBuyback      Kind = "short_buyback"
	KindFuturesSettlement Kind = "futures_settlement"
	KindOptionSettlement  Kind = "option_settlement"
	KindBinaryOption      Kind = "binary_option"
	KindLoanRepayment     Kind = "loan_repayment"
)

// Valid checks if kind belongs to the vocabulary
func (k Kind) Valid() bool {
	switch k {
	case KindShortBuyback, KindFuturesSettlement, KindOptionSettlement, KindBinaryOption, KindLoanRepayment:
		return true
	}
	return false
}

// String returns string representation
func (k Kind) String() string {
	return string(k)
}

// Obligation is a deferred action against one account. Timed obligations
// report their due instant; book settlements fire on the weekly expiration.
type Obligation interface {
	Kind() Kind
	Due() (time.Time, bool)
	Validate() error
}

// ShortBuyback buys back a short stock position at Due
type ShortBuyback struct {
	PositionID uuid.UUID       `json:"position_id"`
	Ticker     market.Ticker   `json:"ticker"`
	Quantity   decimal.Decimal `json:"quantity"`
	DueAt      time.Time       `json:"due_at"`
}

func (o ShortBuyback) Kind() Kind             { return KindShortBuyback }
func (o ShortBuyback) Due() (time.Time, bool) { return o.DueAt, true }

func (o ShortBuyback) Validate() error {
	if o.Ticker == "" {
		return errors.NewValidationError("ticker", "required", o.Ticker)
	}
	if !o.Quantity.IsPositive() {
		return errors.NewValidationError("quantity", "must be positive", o.Quantity)
	}
	if o.DueAt.IsZero() {
		return errors.NewValidationError("due_at", "required", o.DueAt)
	}
	return nil
}

// FuturesSettlement settles the subject's whole futures book on the weekly futures expiration
type FuturesSettlement struct{}

func (FuturesSettlement) Kind() Kind             { return KindFuturesSettlement }
func (FuturesSettlement) Due() (time.Time, bool) { return time.Time{}, false }
func (FuturesSettlement) Validate() error        { return nil }

// OptionSettlement settles the subject's whole option book on the weekly option expiration
type OptionSettlement struct{}

func (OptionSettlement) Kind() Kind             { return KindOptionSettlement }
func (OptionSettlement) Due() (time.Time, bool) { return time.Time{}, false }
func (OptionSettlement) Validate() error        { return nil }

// Direction is the predicted move of a binary option
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// BinaryOption resolves a fixed-payout bet against the spot price at DueAt
type BinaryOption struct {
	BetID     uuid.UUID       `json:"bet_id"`
	Ticker    market.Ticker   `json:"ticker"`
	Strike    decimal.Decimal `json:"strike"`
	Direction Direction       `json:"direction"`
	Stake     decimal.Decimal `json:"stake"`
	Payout    decimal.Decimal `json:"payout"` // multiplier applied to the stake on a win
	DueAt     time.Time       `json:"due_at"`
}

func (o BinaryOption) Kind() Kind             { return KindBinaryOption }
func (o BinaryOption) Due() (time.Time, bool) { return o.DueAt, true }

func (o BinaryOption) Validate() error {
	if o.Ticker == "" {
		return errors.NewValidationError("ticker", "required", o.Ticker)
	}
	if o.Direction != DirectionUp && o.Direction != DirectionDown {
		return errors.NewValidationError("direction", "must be up or down", o.Direction)
	}
	if !o.Stake.IsPositive() {
		return errors.NewValidationError("stake", "must be positive", o.Stake)
	}
	if o.Payout.IsNegative() {
		return errors.NewValidationError("payout", "must not be negative", o.Payout)
	}
	if o.DueAt.IsZero() {
		return errors.NewValidationError("due_at", "required", o.DueAt)
	}
	return nil
}

// LoanRepayment repays an outstanding loan at DueAt
type LoanRepayment struct {
	LoanID    uuid.UUID       `json:"loan_id"`
	AmountDue decimal.Decimal `json:"amount_due"`
	DueAt     time.Time       `json:"due_at"`
}

func (o LoanRepayment) Kind() Kind             { return KindLoanRepayment }
func (o LoanRepayment) Due() (time.Time, bool) { return o.DueAt, true }

func (o LoanRepayment) Validate() error {
	if o.AmountDue.IsNegative() {
		return errors.NewValidationError("amount_due", "must not be negative", o.AmountDue)
	}
	if o.DueAt.IsZero() {
		return errors.NewValidationError("due_at", "required", o.DueAt)
	}
	return nil
}

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeObligation serializes o as {"kind": ..., "payload": {...}}
func EncodeObligation(o Obligation) ([]byte, error) {
	if o == nil {
		return nil, errors.NewValidationError("obligation", "required", nil)
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", o.Kind())
	}
	return json.Marshal(envelope{Kind: o.Kind(), Payload: payload})
}

// DecodeObligation parses an envelope written by EncodeObligation
func DecodeObligation(data []byte) (Obligation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(errors.ErrInvalidInput, err)
	}

	switch env.Kind {
	case KindShortBuyback:
		return decodePayload[ShortBuyback](env)
	case KindFuturesSettlement:
		return FuturesSettlement{}, nil
	case KindOptionSettlement:
		return OptionSettlement{}, nil
	case KindBinaryOption:
		return decodePayload[BinaryOption](env)
	case KindLoanRepayment:
		return decodePayload[LoanRepayment](env)
	default:
		return nil, errors.Wrapf(errors.ErrUnknownObligation, "kind %q", env.Kind)
	}
}

func decodePayload[T Obligation](env envelope) (Obligation, error) {
	var o T
	if len(env.Payload) == 0 {
		return nil, errors.NewValidationError("payload", "required", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &o); err != nil {
		return nil, errors.Join(errors.ErrInvalidInput, err)
	}
	return o, nil
}
