package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/domain/market"
	"marketsim/internal/testsupport"
	"marketsim/pkg/errors"
)

func TestPriceArchive_EnqueueAndQuery(t *testing.T) {
	helper := testsupport.NewClickHouseTestHelper(t)
	table := helper.CreatePriceHistoryTable(t)

	archive := NewPriceArchive(helper.Client().Conn(), PriceArchiveConfig{Table: table, MaxBatchSize: 1000, MaxAge: time.Hour})
	ctx := context.Background()

	base := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	rows := []market.ArchiveRow{
		{Ticker: "AAPL", Class: market.ClassSpot, Timestamp: base, Price: 100, NewsImpact: 0.01},
		{Ticker: "AAPL", Class: market.ClassSpot, Timestamp: base.Add(time.Minute), Price: 101},
		{Ticker: "AAPL", Class: market.ClassFutures, Timestamp: base, Price: 102},
		{Ticker: "MSFT", Class: market.ClassSpot, Timestamp: base, Price: 300},
		{Ticker: "AAPL", Class: market.ClassOptions, Strike: 100, Right: "call", Timestamp: base, Price: 4.5},
	}
	require.NoError(t, archive.Enqueue(rows))
	require.NoError(t, archive.Flush(ctx))

	got, err := archive.QueryRange(ctx, "AAPL", market.ClassSpot, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100.0, got[0].Price)
	assert.Equal(t, 0.01, got[0].NewsImpact)
	assert.True(t, base.Add(time.Minute).Equal(got[1].Timestamp))

	got, err = archive.QueryRange(ctx, "AAPL", market.ClassOptions, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "call", got[0].Right)
}

func TestPriceArchive_QueryRangeValidation(t *testing.T) {
	archive := NewPriceArchive(nil, PriceArchiveConfig{})
	now := time.Now()

	_, err := archive.QueryRange(context.Background(), "AAPL", "bonds", now, now.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = archive.QueryRange(context.Background(), "AAPL", market.ClassSpot, now, now)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
