package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"marketsim/internal/domain/market"
	"marketsim/pkg/errors"
)

// InterestRateKey holds the period interest rate as a decimal string
const InterestRateKey = "market:interest_rate"

var _ market.RateProvider = (*RateRepository)(nil)

// RateRepository reads the interest rate published by an external authority
type RateRepository struct {
	client *redis.Client
}

// NewRateRepository creates a new rate repository
func NewRateRepository(client *redis.Client) *RateRepository {
	return &RateRepository{client: client}
}

// CurrentInterestRate returns ErrNotFound when no rate has been published
func (r *RateRepository) CurrentInterestRate(ctx context.Context) (float64, error) {
	raw, err := r.client.Get(ctx, InterestRateKey).Result()
	if err == redis.Nil {
		return 0, errors.Wrap(errors.ErrNotFound, "interest rate not published")
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read interest rate")
	}

	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Join(errors.ErrInvalidInput, err)
	}
	return rate, nil
}

// SetInterestRate publishes a new rate, picked up on the next tick
func (r *RateRepository) SetInterestRate(ctx context.Context, rate float64) error {
	if err := r.client.Set(ctx, InterestRateKey, strconv.FormatFloat(rate, 'f', -1, 64), 0).Err(); err != nil {
		return errors.Wrap(err, "failed to publish interest rate")
	}
	return nil
}
