package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/internal/domain/market"
	"marketsim/internal/repository/filestore"
	"marketsim/pkg/errors"
)

func TestParseTickers(t *testing.T) {
	got, err := parseTickers(" acme=100, GLOBEX = 2.5 ,")
	require.NoError(t, err)
	assert.Equal(t, map[market.Ticker]float64{"ACME": 100, "GLOBEX": 2.5}, got)

	for _, bad := range []string{"", "ACME", "ACME=0", "=5", "ACME=x"} {
		_, err := parseTickers(bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidInput), bad)
	}
}

func TestSeedMarket_WritesLoadableBackup(t *testing.T) {
	store, err := filestore.NewBackupStore(t.TempDir())
	require.NoError(t, err)

	opening := map[market.Ticker]float64{"ACME": 100, "GLOBEX": 250}
	require.NoError(t, seedMarket(t.Context(), store, opening, 42, false))

	prev, last, err := store.LoadSpot(t.Context())
	require.NoError(t, err)
	assert.Len(t, prev.Prices, 2)
	assert.Len(t, last.Prices["ACME"], market.MinutesPerBucket)

	err = seedMarket(t.Context(), store, opening, 42, false)
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
	require.NoError(t, seedMarket(t.Context(), store, opening, 7, true))
}
