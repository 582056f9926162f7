package commission_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================
// Note: every engine starts with January-March 2025 and a 1% rate.

var (
	admin = commission.Actor{ID: "admin", IsAdmin: true}
	clerk = commission.Actor{ID: "sp-1"}
)

type testEngine struct {
	store      *memory.Store
	writer     *commission.LedgerWriter
	deductions *commission.DeductionWorkflow
	earnings   *commission.EarningsAggregator
	reassigner *commission.PeriodReassigner
	settings   *commission.Settings
	audit      *commission.AuditTrail
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := memory.New()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := &testEngine{
		store:      store,
		writer:     commission.NewLedgerWriter(store),
		deductions: commission.NewDeductionWorkflow(store),
		earnings:   commission.NewEarningsAggregator(store),
		reassigner: commission.NewPeriodReassigner(store),
		settings:   commission.NewSettings(store),
		audit:      &commission.AuditTrail{Store: store},
	}
	e.writer.Logger = quiet
	e.deductions.Logger = quiet
	e.reassigner.Logger = quiet
	e.settings.Logger = quiet

	ctx := context.Background()
	for _, m := range []time.Month{time.January, time.February, time.March} {
		_, err := e.settings.CreatePeriod(ctx, generic.MonthlyPeriod(2025, m), admin)
		require.NoError(t, err)
	}
	_, err := e.settings.AddRate(ctx, commission.Rate{
		Percent:       decimal.NewFromInt(1),
		EffectiveFrom: generic.NewDay(2024, time.January, 1),
	}, admin)
	require.NoError(t, err)
	return e
}

func prices(list, activity int64) commission.PriceSnapshot {
	return commission.PriceSnapshot{
		ListPrice:     generic.NewAmountFromInt(list),
		ActivityPrice: generic.NewAmountFromInt(activity),
	}
}

func jan(day int) time.Time { return generic.NewDay(2025, time.January, day) }
func feb(day int) time.Time { return generic.NewDay(2025, time.February, day) }

func (e *testEngine) createSale(t *testing.T, id string, sp generic.SalespersonID, p commission.PriceSnapshot, day time.Time) commission.EventResult {
	t.Helper()
	res, err := e.writer.OnCreate(context.Background(), commission.SaleCreated{
		SaleID:         generic.SaleID(id),
		ContractNumber: "C-" + id,
		CustomerName:   "Customer " + id,
		Kind:           commission.KindSale,
		Prices:         p,
		SalespersonID:  sp,
		SaleDate:       day,
		Actor:          admin,
	})
	require.NoError(t, err)
	return res
}

func (e *testEngine) markPaid(t *testing.T, id string) {
	t.Helper()
	_, err := e.writer.MarkPaid(context.Background(), generic.SaleID(id), admin)
	require.NoError(t, err)
}

func (e *testEngine) cancelSale(t *testing.T, id string, at time.Time) commission.EventResult {
	t.Helper()
	res, err := e.writer.OnCancel(context.Background(), commission.SaleCancelled{
		SaleID: generic.SaleID(id),
		Reason: "customer withdrew",
		At:     at,
		Actor:  admin,
	})
	require.NoError(t, err)
	return res
}

// paidCancelledSale creates a 900 commission sale, pays it and cancels it
// in January. It returns the pending deduction.
func (e *testEngine) paidCancelledSale(t *testing.T, id string) generic.Transaction {
	t.Helper()
	e.createSale(t, id, "sp-1", prices(100000, 90000), jan(10))
	e.markPaid(t, id)
	res := e.cancelSale(t, id, jan(20))
	require.Len(t, res.Transactions, 1)
	return res.Transactions[0]
}

func (e *testEngine) view(t *testing.T, sp generic.SalespersonID, p generic.PeriodID) commission.EarningsView {
	t.Helper()
	views, err := e.earnings.Aggregate(context.Background(), commission.EarningsFilter{SalespersonID: &sp, PeriodID: &p})
	require.NoError(t, err)
	require.Len(t, views, 1, "expected one view for %s/%s", sp, p)
	return views[0]
}

func (e *testEngine) rows(t *testing.T, saleID string) []generic.Transaction {
	t.Helper()
	id := generic.SaleID(saleID)
	rows, err := e.store.List(context.Background(), generic.TransactionFilter{SaleID: &id})
	require.NoError(t, err)
	return rows
}

func assertAmount(t *testing.T, want string, got generic.Amount, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, generic.MustAmount(want).String(), got.String(), msgAndArgs...)
}

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

func TestScenario_ActivityPriceReduction(t *testing.T) {
	// GIVEN: A sale with list 100000 and activity 90000 at 1% (commission 900)
	// WHEN: The activity price is corrected to 80000
	// THEN: One -100 earn is appended and the period shows 800 unpaid

	ctx := context.Background()
	e := newTestEngine(t)
	created := e.createSale(t, "s1", "sp-1", prices(100000, 90000), jan(10))
	require.Len(t, created.Transactions, 1)
	assertAmount(t, "900", created.Transactions[0].Amount)

	res, err := e.writer.OnModify(ctx, commission.SaleModified{
		SaleID: "s1",
		Prices: prices(100000, 80000),
		Reason: "activity price corrected",
		Actor:  admin,
	})
	require.NoError(t, err)

	require.Len(t, res.Transactions, 1)
	delta := res.Transactions[0]
	assert.Equal(t, generic.KindEarn, delta.Kind)
	assert.Equal(t, generic.OriginSaleModified, delta.Origin)
	assertAmount(t, "-100", delta.Amount)

	require.Len(t, res.Sale.History, 1)
	mod := res.Sale.History[0]
	assertAmount(t, "900", mod.PreviousCommission)
	assertAmount(t, "800", mod.NewCommission)
	assertAmount(t, "-100", mod.CommissionDelta)
	assert.Equal(t, delta.ID, mod.LinkedTransactionID)

	v := e.view(t, "sp-1", "2025-01")
	assertAmount(t, "800", v.UnpaidAmount)
	assertAmount(t, "800", v.NetUnpaid)
	assertAmount(t, "0", v.PaidAmount)
	assert.Equal(t, 2, v.Counts[generic.KindEarn])
}

func TestScenario_PaidSaleCancelledThenDeductionApproved(t *testing.T) {
	// GIVEN: A paid sale with commission 900
	// WHEN: The sale is cancelled, then the deduction is approved
	// THEN: A pending -900 deduction appears first, and only approval
	//       reduces NetUnpaid

	ctx := context.Background()
	e := newTestEngine(t)
	ded := e.paidCancelledSale(t, "s1")

	assert.Equal(t, generic.KindDeduction, ded.Kind)
	assert.Equal(t, generic.DeductionPending, ded.DeductionState)
	assertAmount(t, "-900", ded.Amount)

	before := e.view(t, "sp-1", "2025-01")
	assertAmount(t, "900", before.PaidAmount)
	assertAmount(t, "900", before.PendingDeductionsTotal)
	assertAmount(t, "0", before.ApprovedDeductionsTotal)
	assertAmount(t, "0", before.NetUnpaid)

	approved, err := e.deductions.Approve(ctx, ded.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, generic.DeductionApproved, approved.DeductionState)
	assert.Equal(t, "admin", approved.ResolvedBy)
	require.NotNil(t, approved.ResolvedAt)

	after := e.view(t, "sp-1", "2025-01")
	assertAmount(t, "0", after.PendingDeductionsTotal)
	assertAmount(t, "900", after.ApprovedDeductionsTotal)
	assertAmount(t, "-900", after.NetUnpaid)
	assertAmount(t, "900", after.PaidAmount, "paid amount is history, not reversed")
}

func TestScenario_PaidSaleCancelledThenDeductionCancelled(t *testing.T) {
	// GIVEN: A pending -900 deduction from a paid cancellation
	// WHEN: An administrator cancels the deduction
	// THEN: Earnings are the same as if the deduction had never counted

	ctx := context.Background()
	e := newTestEngine(t)
	ded := e.paidCancelledSale(t, "s1")
	before := e.view(t, "sp-1", "2025-01")

	cancelled, err := e.deductions.Cancel(ctx, ded.ID, admin, "sale will be restored by sales ops")
	require.NoError(t, err)
	assert.Equal(t, generic.DeductionCancelled, cancelled.DeductionState)
	assert.Equal(t, "sale will be restored by sales ops", cancelled.ResolutionNote)

	after := e.view(t, "sp-1", "2025-01")
	assertAmount(t, "0", after.PendingDeductionsTotal)
	assertAmount(t, "0", after.ApprovedDeductionsTotal)
	assertAmount(t, before.NetUnpaid.String(), after.NetUnpaid)
	assertAmount(t, before.PaidAmount.String(), after.PaidAmount)

	rows := e.rows(t, "s1")
	assert.Len(t, rows, 2, "cancelled deduction stays in the ledger")
}
