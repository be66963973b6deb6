package settlement

import (
	"context"

	"github.com/shopspring/decimal"

	"marketsim/internal/domain/account"
	"marketsim/internal/domain/market"
	"marketsim/internal/domain/settlement"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// AccountUpdater runs a read-modify-write cycle against one account
type AccountUpdater interface {
	Update(ctx context.Context, id string, mutate func(*account.Account) error) (*account.Account, error)
}

// Settler applies obligations to accounts at current market prices.
// Every handler is idempotent: a position already gone from the account
// settles to nothing, so a replay after a lost ledger delete is harmless.
type Settler struct {
	accounts AccountUpdater
	prices   market.Reader
	log      *logger.Logger
}

// NewSettler creates a settler
func NewSettler(accounts AccountUpdater, prices market.Reader) *Settler {
	return &Settler{
		accounts: accounts,
		prices:   prices,
		log:      logger.Get().With("component", "settler"),
	}
}

// Settle discharges entry against its subject's account
func (s *Settler) Settle(ctx context.Context, entry *settlement.Entry) (settlement.Result, error) {
	result := settlement.Result{EntryID: entry.ID, Subject: entry.Subject, Kind: entry.Kind()}
	prices := newPriceCache(s.prices)

	var mutate func(*account.Account) (decimal.Decimal, error)
	switch o := entry.Obligation.(type) {
	case settlement.ShortBuyback:
		mutate = func(acc *account.Account) (decimal.Decimal, error) {
			return s.buyBack(acc, o, prices), nil
		}
	case settlement.FuturesSettlement:
		mutate = func(acc *account.Account) (decimal.Decimal, error) {
			return s.settleFutures(acc, prices), nil
		}
	case settlement.OptionSettlement:
		mutate = func(acc *account.Account) (decimal.Decimal, error) {
			return s.settleOptions(acc, prices), nil
		}
	case settlement.BinaryOption:
		mutate = func(acc *account.Account) (decimal.Decimal, error) {
			return s.resolveBet(acc, o, prices), nil
		}
	case settlement.LoanRepayment:
		mutate = func(acc *account.Account) (decimal.Decimal, error) {
			return s.repayLoan(acc, o), nil
		}
	default:
		return result, errors.Wrapf(errors.ErrUnknownObligation, "entry %s kind %q", entry.ID, entry.Kind())
	}

	var delta decimal.Decimal
	_, err := s.accounts.Update(ctx, entry.Subject, func(acc *account.Account) error {
		d, err := mutate(acc)
		delta = d
		return err
	})
	if err != nil {
		return result, errors.Join(errors.ErrSettlementFailed, err)
	}

	result.Amount = delta.String()
	return result, nil
}

// buyBack debits the cost of covering the short at the current spot price
func (s *Settler) buyBack(acc *account.Account, o settlement.ShortBuyback, prices *priceCache) decimal.Decimal {
	found := false
	for _, p := range acc.Shorts {
		if p.ID == o.PositionID {
			found = true
			break
		}
	}
	if !found {
		s.log.Infow("Short already covered", "account_id", acc.ID, "position_id", o.PositionID)
		return decimal.Zero
	}

	cost := o.Quantity.Mul(prices.spot(o.Ticker))
	acc.Debit(cost)
	acc.RemoveShort(o.PositionID)
	return cost.Neg()
}

// settleFutures pays (spot - entry) * qty for every position and clears the book
func (s *Settler) settleFutures(acc *account.Account, prices *priceCache) decimal.Decimal {
	total := decimal.Zero
	for _, p := range acc.Futures {
		total = total.Add(prices.spot(p.Ticker).Sub(p.EntryPrice).Mul(p.Quantity))
	}
	acc.Credit(total)
	acc.Futures = nil
	return total
}

// settleOptions pays the intrinsic value * qty for every position at its
// recorded strike and clears the book. The lattice is not consulted: by the
// time an options expiration is dispatched it has been re-anchored.
func (s *Settler) settleOptions(acc *account.Account, prices *priceCache) decimal.Decimal {
	total := decimal.Zero
	for _, p := range acc.Options {
		total = total.Add(Intrinsic(p.Right, prices.spot(p.Ticker), p.Strike).Mul(p.Quantity))
	}
	acc.Credit(total)
	acc.Options = nil
	return total
}

// resolveBet pays stake * payout to a winner and refunds the stake on a tie
func (s *Settler) resolveBet(acc *account.Account, o settlement.BinaryOption, prices *priceCache) decimal.Decimal {
	found := false
	for _, b := range acc.BinaryBets {
		if b.ID == o.BetID {
			found = true
			break
		}
	}
	if !found {
		s.log.Infow("Binary bet already resolved", "account_id", acc.ID, "bet_id", o.BetID)
		return decimal.Zero
	}

	payout := BinaryPayout(o.Direction, prices.spot(o.Ticker), o.Strike, o.Stake, o.Payout)
	acc.Credit(payout)
	acc.RemoveBinaryBet(o.BetID)
	return payout
}

// repayLoan debits the amount due and drops the loan
func (s *Settler) repayLoan(acc *account.Account, o settlement.LoanRepayment) decimal.Decimal {
	if !acc.RemoveLoan(o.LoanID) {
		s.log.Infow("Loan already repaid", "account_id", acc.ID, "loan_id", o.LoanID)
		return decimal.Zero
	}
	acc.Debit(o.AmountDue)
	return o.AmountDue.Neg()
}

// Intrinsic is max(S-K, 0) for calls and max(K-S, 0) for puts
func Intrinsic(right account.OptionRight, spot, strike decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if right == account.RightPut {
		v = strike.Sub(spot)
	} else {
		v = spot.Sub(strike)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// BinaryPayout returns the amount credited when a bet resolves
func BinaryPayout(direction settlement.Direction, spot, strike, stake, payout decimal.Decimal) decimal.Decimal {
	cmp := spot.Cmp(strike)
	switch {
	case cmp == 0:
		return stake
	case cmp > 0 && direction == settlement.DirectionUp,
		cmp < 0 && direction == settlement.DirectionDown:
		return stake.Mul(payout)
	default:
		return decimal.Zero
	}
}

// priceCache pins one spot price per ticker for the duration of a
// settlement so retried mutations see the same market
type priceCache struct {
	reader market.Reader
	prices map[market.Ticker]decimal.Decimal
}

func newPriceCache(reader market.Reader) *priceCache {
	return &priceCache{reader: reader, prices: make(map[market.Ticker]decimal.Decimal)}
}

// spot returns the current price; unknown or delisted tickers settle at 0
func (c *priceCache) spot(ticker market.Ticker) decimal.Decimal {
	if p, ok := c.prices[ticker]; ok {
		return p
	}
	price := decimal.Zero
	if v, ok := c.reader.SpotPrice(ticker); ok {
		price = decimal.NewFromFloat(v)
	}
	c.prices[ticker] = price
	return price
}
