package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/store/storetest"
)

func open(t *testing.T) commission.TxStore {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, open)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "commission.db")
	rate := commission.Rate{ID: "r1", Percent: decimal.RequireFromString("1.75"), EffectiveFrom: generic.NewDay(2025, time.January, 1)}

	st, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, st.AddRate(ctx, rate))
	require.NoError(t, st.Close())

	st, err = sqlite.New(path)
	require.NoError(t, err)
	defer st.Close()

	rates, err := st.ListRates(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.True(t, rate.Percent.Equal(rates[0].Percent))
	assert.True(t, rate.EffectiveFrom.Equal(rates[0].EffectiveFrom))
}

func TestStore_RowNeedsKnownPeriod(t *testing.T) {
	ctx := context.Background()
	st := open(t)

	err := st.Append(ctx, generic.Transaction{
		ID:             "t1",
		SalespersonID:  "sp-1",
		PeriodID:       "2031-01",
		SaleID:         "s1",
		Kind:           generic.KindEarn,
		Amount:         generic.MustAmount("10"),
		Origin:         generic.OriginSaleCreated,
		IdempotencyKey: "create:s1",
		Version:        1,
		CreatedAt:      time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
