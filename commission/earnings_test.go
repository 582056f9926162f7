package commission_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

func TestAggregate_ReadOnlyAndRepeatable(t *testing.T) {
	// GIVEN: A ledger with earns, a transfer and a pending deduction
	// WHEN: Aggregate runs twice
	// THEN: Both results are identical and no row was written

	ctx := context.Background()
	e := newTestEngine(t)
	e.createSale(t, "s1", "sp-1", prices(100000, 90000), jan(10))
	e.createSale(t, "s2", "sp-2", prices(50000, 0), feb(4))
	e.paidCancelledSale(t, "s3")
	_, err := e.writer.OnTransfer(ctx, commission.SaleTransferred{SaleID: "s2", From: "sp-2", To: "sp-1", Actor: admin})
	require.NoError(t, err)

	before, err := e.store.Count(ctx, generic.TransactionFilter{})
	require.NoError(t, err)

	first, err := e.earnings.Aggregate(ctx, commission.EarningsFilter{})
	require.NoError(t, err)
	second, err := e.earnings.Aggregate(ctx, commission.EarningsFilter{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after, err := e.store.Count(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAggregate_FiltersOnlySelect(t *testing.T) {
	// GIVEN: Two salespeople active in two periods
	// WHEN: Views are requested with and without filters
	// THEN: A filtered view equals the matching unfiltered view

	ctx := context.Background()
	e := newTestEngine(t)
	e.createSale(t, "s1", "sp-1", prices(100000, 90000), jan(10))
	e.createSale(t, "s2", "sp-2", prices(40000, 0), jan(11))
	e.paidCancelledSale(t, "s3")
	e.createSale(t, "s4", "sp-1", prices(20000, 0), feb(2))

	all, err := e.earnings.Aggregate(ctx, commission.EarningsFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4, "sp-1 Jan, sp-2 Jan, sp-1 Feb, sp-1 Mar (carried forward)")

	assert.Equal(t, generic.PeriodID("2025-01"), all[0].PeriodID)
	assert.Equal(t, generic.SalespersonID("sp-1"), all[0].SalespersonID)
	assert.Equal(t, generic.SalespersonID("sp-2"), all[1].SalespersonID)

	for _, want := range all {
		got := e.view(t, want.SalespersonID, want.PeriodID)
		assert.Equal(t, want, got)
	}
}

func TestAggregate_NetUnpaidIgnoresPending(t *testing.T) {
	e := newTestEngine(t)
	e.createSale(t, "s1", "sp-1", prices(100000, 90000), jan(10))
	e.paidCancelledSale(t, "s2")

	v := e.view(t, "sp-1", "2025-01")
	assertAmount(t, "900", v.UnpaidAmount)
	assertAmount(t, "900", v.PaidAmount)
	assertAmount(t, "900", v.PendingDeductionsTotal)
	assertAmount(t, "900", v.NetUnpaid, "pending deductions are warnings only")
	assert.Equal(t, 2, v.Counts[generic.KindEarn])
	assert.Equal(t, 1, v.Counts[generic.KindDeduction])
}

func TestTransactions_Paging(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	for i := 1; i <= 5; i++ {
		e.createSale(t, fmt.Sprintf("s%d", i), "sp-1", prices(int64(i)*1000, 0), jan(i))
	}

	period := generic.PeriodID("2025-01")
	page1, err := e.earnings.Transactions(ctx, commission.TransactionQuery{PeriodID: &period, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page1.Total)
	assert.Equal(t, 1, page1.Page)
	require.Len(t, page1.Items, 2)
	assert.Equal(t, generic.SaleID("s1"), page1.Items[0].SaleID)

	page3, err := e.earnings.Transactions(ctx, commission.TransactionQuery{PeriodID: &period, Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page3.Items, 1)
	assert.Equal(t, generic.SaleID("s5"), page3.Items[0].SaleID)

	defaults, err := e.earnings.Transactions(ctx, commission.TransactionQuery{})
	require.NoError(t, err)
	assert.Equal(t, commission.DefaultPageSize, defaults.PageSize)
	assert.Len(t, defaults.Items, 5)

	bad := generic.TransactionKind("bonus")
	_, err = e.earnings.Transactions(ctx, commission.TransactionQuery{Kind: &bad})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = e.earnings.Transactions(ctx, commission.TransactionQuery{Page: -1})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestDeductions_MarkersOptIn(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.createSale(t, "s0", "sp-1", prices(1000, 0), jan(2))
	e.paidCancelledSale(t, "s1")
	_, err := e.deductions.CarryForward(ctx, "2025-02", admin)
	require.NoError(t, err)

	rows, err := e.earnings.Deductions(ctx, commission.DeductionQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].CarriedForward)

	withMarkers, err := e.earnings.Deductions(ctx, commission.DeductionQuery{IncludeMarkers: true})
	require.NoError(t, err)
	assert.Len(t, withMarkers, 2)

	approved := generic.DeductionApproved
	none, err := e.earnings.Deductions(ctx, commission.DeductionQuery{State: &approved})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSales_FilterBySalesperson(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.createSale(t, "s1", "sp-1", prices(1000, 0), jan(2))
	e.createSale(t, "s2", "sp-2", prices(1000, 0), jan(3))

	sp := generic.SalespersonID("sp-2")
	sales, err := e.earnings.Sales(ctx, commission.SaleFilter{SalespersonID: &sp})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, generic.SaleID("s2"), sales[0].ID)
}
