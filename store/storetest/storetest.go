// Package storetest holds the behaviour every commission.TxStore must share.
// Each store package runs it from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// Opener returns an empty store. It registers its own cleanup.
type Opener func(t *testing.T) commission.TxStore

// Run executes the store contract against fresh stores from open.
func Run(t *testing.T, open Opener) {
	t.Run("LedgerRoundTrip", func(t *testing.T) { testLedgerRoundTrip(t, open(t)) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotencyKey(t, open(t)) })
	t.Run("ListFiltersAndPaging", func(t *testing.T) { testListFiltersAndPaging(t, open(t)) })
	t.Run("VersionedUpdates", func(t *testing.T) { testVersionedUpdates(t, open(t)) })
	t.Run("UnitOfWorkRollback", func(t *testing.T) { testUnitOfWorkRollback(t, open(t)) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testViewIsReadOnly(t, open(t)) })
	t.Run("Periods", func(t *testing.T) { testPeriods(t, open(t)) })
	t.Run("Sales", func(t *testing.T) { testSales(t, open(t)) })
	t.Run("RatesAndKinds", func(t *testing.T) { testRatesAndKinds(t, open(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, open(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

var created = time.Date(2025, time.January, 10, 9, 30, 0, 0, time.UTC)

func seedPeriods(t *testing.T, st commission.TxStore) {
	t.Helper()
	ctx := context.Background()
	for _, m := range []time.Month{time.January, time.February} {
		p := generic.MonthlyPeriod(2025, m)
		p.CreatedAt = created
		require.NoError(t, st.CreatePeriod(ctx, p))
	}
}

func row(id string, kind generic.TransactionKind, amount string) generic.Transaction {
	tx := generic.Transaction{
		ID:             generic.TransactionID(id),
		SalespersonID:  "sp-1",
		PeriodID:       "2025-01",
		SaleID:         "sale-1",
		Kind:           kind,
		Amount:         generic.MustAmount(amount),
		Description:    "row " + id,
		Origin:         generic.OriginSaleCreated,
		Rate:           decimal.NewFromInt(1),
		IdempotencyKey: "key:" + id,
		Version:        1,
		CreatedBy:      "admin",
		CreatedAt:      created,
	}
	if kind == generic.KindDeduction {
		tx.Origin = generic.OriginSaleCancelled
		tx.DeductionState = generic.DeductionPending
	}
	return tx
}

func sale(id string) commission.Sale {
	return commission.Sale{
		ID:             generic.SaleID(id),
		ContractNumber: "C-" + id,
		CustomerName:   "Customer",
		Kind:           commission.KindSale,
		Prices: commission.PriceSnapshot{
			ListPrice:           generic.MustAmount("100000"),
			DiscountRate:        decimal.NewFromInt(10),
			DiscountedListPrice: generic.MustAmount("90000"),
			ActivityPrice:       generic.MustAmount("85000.50"),
		},
		Status:        commission.SaleStatusActive,
		PrimStatus:    commission.PrimUnpaid,
		SalespersonID: "sp-1",
		PeriodID:      "2025-01",
		SaleDate:      generic.NewDay(2025, time.January, 10),
		Rate:          decimal.RequireFromString("1.5"),
		Commission:    generic.MustAmount("1275.01"),
		Version:       1,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func testLedgerRoundTrip(t *testing.T, st commission.TxStore) {
	ctx := context.Background()
	seedPeriods(t, st)

	ded := row("d1", generic.KindDeduction, "-900.25")
	require.NoError(t, st.Append(ctx, ded))

	got, err := st.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, ded.ID, got.ID)
	assert.Equal(t, ded.SalespersonID, got.SalespersonID)
	assert.Equal(t, ded.PeriodID, got.PeriodID)
	assert.Equal(t, ded.SaleID, got.SaleID)
	assert.Equal(t, ded.Kind, got.Kind)
	assert.True(t, ded.Amount.Equal(got.Amount), "amount %s != %s", ded.Amount, got.Amount)
	assert.True(t, ded.Rate.Equal(got.Rate))
	assert.Equal(t, ded.Origin, got.Origin)
	assert.Equal(t, generic.DeductionPending, got.DeductionState)
	assert.Equal(t, ded.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, 1, got.Version)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.ResolvedAt)

	marker := row("m1", generic.KindDeduction, "-900.25")
	marker.PeriodID = "2025-02"
	marker.CarriedForward = true
	marker.CarriedFromID = "d1"
	marker.Origin = generic.OriginCarryForward
	require.NoError(t, st.Append(ctx, marker))

	got, err = st.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.CarriedForward)
	assert.Equal(t, generic.TransactionID("d1"), got.CarriedFromID)

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testIdempotencyKey(t *testing.T, st commission.TxStore) {
	ctx := context.Background()
	seedPeriods(t, st)

	require.NoError(t, st.Append(ctx, row("t1", generic.KindEarn, "100")))

	dup := row("t2", generic.KindEarn, "100")
	dup.IdempotencyKey = "key:t1"
	err := st.Append(ctx, dup)
	assert.True(t, errors.Is(err, generic.ErrDuplicateIdempotencyKey), "got %v", err)

	exists, err := st.Exists(ctx, "key:t1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = st.Exists(ctx, "key:t2")
	require.NoError(t, err)
	assert.False(t, exists)

	// A batch with one clashing key writes nothing.
	err = st.AppendBatch(ctx, []generic.Transaction{row("t3", generic.KindEarn, "1"), dup})
	assert.True(t, errors.Is(err, generic.ErrDuplicateIdempotencyKey), "got %v", err)
	n, err := st.Count(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testListFiltersAndPaging(t *testing.T, st commission.TxStore) {
	ctx := context.Background()
	seedPeriods(t, st)

	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		tx := row(id, generic.KindEarn, "10")
		if i%2 == 1 {
			tx.SalespersonID = "sp-2"
		}
		if i == 4 {
			tx.PeriodID = "2025-02"
		}
		require.NoError(t, st.Append(ctx, tx))
	}

	all, err := st.List(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, id := range ids {
		assert.Equal(t, generic.TransactionID(id), all[i].ID, "insertion order")
	}

	sp2 := generic.SalespersonID("sp-2")
	mine, err := st.List(ctx, generic.TransactionFilter{SalespersonID: &sp2})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	feb := generic.PeriodID("2025-02")
	n, err := st.Count(ctx, generic.TransactionFilter{PeriodID: &feb})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := st.List(ctx, generic.TransactionFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, generic.TransactionID("c"), page[0].ID)

	tail, err := st.List(ctx, generic.TransactionFilter{Offset: 3})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, generic.TransactionID("d"), tail[0].ID)

	n, err = st.Count(ctx, generic.TransactionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, n, "count ignores paging")
}

func testVersionedUpdates(t *testing.T, st commission.TxStore) {
	ctx := context.Background()
	seedPeriods(t, st)
	require.NoError(t, st.Append(ctx, row("d1", generic.KindDeduction, "-50")))

	at := created.Add(time.Hour)
	change := generic.StateChange{State: generic.DeductionApproved, Actor: "admin", At: at, Note: "ok"}
	updated, err := st.UpdateDeductionState(ctx, "d1", 1, change)
	require.NoError(t, err)
	assert.Equal(t, generic.DeductionApproved, updated.DeductionState)
	assert.Equal(t, "admin", updated.ResolvedBy)
	assert.Equal(t, "ok", updated.ResolutionNote)
	require.NotNil(t, updated.ResolvedAt)
	assert.True(t, at.Equal(*updated.ResolvedAt))
	assert.Equal(t, 2, updated.Version)
	assert.True(t, updated.Amount.Equal(generic.MustAmount("-50")))

	_, err = st.UpdateDeductionState(ctx, "d1", 1, change)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	_, err = st.UpdateDeductionState(ctx, "missing", 1, change)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	moved, err := st.UpdatePeriod(ctx, "d1", 2, "2025-02")
	require.NoError(t, err)
	assert.Equal(t, generic.PeriodID("2025-02"), moved.PeriodID)
	assert.Equal(t, 3, moved.Version)
	assert.Equal(t, generic.DeductionApproved, moved.DeductionState)

	_, err = st.UpdatePeriod(ctx, "d1", 2, "2025-01")
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

func testUnitOfWorkRollback(t *testing.T, st commission.TxStore) {
	ctx := context.Background()
	seedPeriods(t, st)
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx commission.Store) error {
		if err := tx.Append(ctx, row("t1", generic.KindEarn, "10")); err != nil {
			return err
		}
		if err := tx.CreateSale(ctx, sale("s1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := st.Count(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = st.GetSale(ctx, "s1")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	err = st.WithTx(ctx, func(tx commission.Store) error {
		return tx.Append(ctx, row("t1", generic.KindEarn, "10"))
	})
	require.NoError(t, err)
	n, err = st.Count(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testViewIsReadOnly(t *testing.T, st commission.TxStore) {
	ctx := context.Background()
	seedPeriods(t, st)

	err := st.View(ctx, func(ro commission.Store) error {
		periods, err := ro.ListPeriods(ctx)
		if err != nil {
			return err
		}
		assert.Len(t, periods, 2)
		return ro.Append(ctx, row("t1", generic.KindEarn, "10"))
	})
	assert.Error(t, err)

	n, err := st.Count(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// SETTINGS AND SALES
// =============================================================================

func testPeriods(t *testing.T, st commission.TxStore) {
	ctx := context.Background()

	mar := generic.MonthlyPeriod(2025, time.March)
	jan := generic.MonthlyPeriod(2025, time.January)
	require.NoError(t, st.CreatePeriod(ctx, mar))
	require.NoError(t, st.CreatePeriod(ctx, jan))
	assert.ErrorIs(t, st.CreatePeriod(ctx, jan), generic.ErrConflict)

	periods, err := st.ListPeriods(ctx)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, jan.ID, periods[0].ID, "ordered by start")
	assert.True(t, jan.End.Equal(periods[0].End))

	archivedAt := created
	require.NoError(t, st.ArchivePeriod(ctx, "2025-03", archivedAt))
	got, err := st.GetPeriod(ctx, "2025-03")
	require.NoError(t, err)
	require.True(t, got.Archived())
	assert.True(t, archivedAt.Equal(*got.ArchivedAt))

	assert.ErrorIs(t, st.ArchivePeriod(ctx, "2030-01", archivedAt), generic.ErrNotFound)
	_, err = st.GetPeriod(ctx, "2030-01")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testSales(t *testing.T, st commission.TxStore) {
	ctx := context.Background()
	seedPeriods(t, st)

	s := sale("s1")
	require.NoError(t, st.CreateSale(ctx, s))
	other := sale("s2")
	other.SalespersonID = "sp-2"
	require.NoError(t, st.CreateSale(ctx, other))

	got, err := st.GetSale(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, s.ContractNumber, got.ContractNumber)
	assert.Equal(t, s.Kind, got.Kind)
	assert.True(t, s.Prices.ActivityPrice.Equal(got.Prices.ActivityPrice))
	assert.True(t, s.Prices.DiscountRate.Equal(got.Prices.DiscountRate))
	assert.True(t, s.Rate.Equal(got.Rate))
	assert.True(t, s.Commission.Equal(got.Commission))
	assert.True(t, s.SaleDate.Equal(got.SaleDate))
	assert.Empty(t, got.History)

	mod := commission.Modification{
		PreviousPrices:      s.Prices,
		NewPrices:           s.Prices,
		PreviousCommission:  s.Commission,
		NewCommission:       generic.MustAmount("1200"),
		CommissionDelta:     generic.MustAmount("-75.01"),
		Reason:              "correction",
		Actor:               "admin",
		At:                  created,
		LinkedTransactionID: "t9",
	}
	require.NoError(t, st.AppendModification(ctx, "s1", mod))

	now := created.Add(time.Minute)
	got.PrimStatus = commission.PrimPaid
	got.PaidAt = &now
	got.Commission = mod.NewCommission
	got.UpdatedAt = now
	updated, err := st.UpdateSale(ctx, got, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.True(t, updated.Paid())
	require.NotNil(t, updated.PaidAt)
	require.Len(t, updated.History, 1, "update returns the stored history")
	assert.Equal(t, "correction", updated.History[0].Reason)
	assert.True(t, updated.History[0].CommissionDelta.Equal(mod.CommissionDelta))
	assert.Equal(t, generic.TransactionID("t9"), updated.History[0].LinkedTransactionID)

	_, err = st.UpdateSale(ctx, got, 1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	sp2 := generic.SalespersonID("sp-2")
	sales, err := st.ListSales(ctx, commission.SaleFilter{SalespersonID: &sp2})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, generic.SaleID("s2"), sales[0].ID)

	_, err = st.GetSale(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.ErrorIs(t, st.AppendModification(ctx, "missing", mod), generic.ErrNotFound)
}

func testRatesAndKinds(t *testing.T, st commission.TxStore) {
	ctx := context.Background()

	later := commission.Rate{ID: "r2", Percent: decimal.NewFromInt(2), EffectiveFrom: generic.NewDay(2025, time.June, 1), CreatedAt: created}
	earlier := commission.Rate{ID: "r1", Percent: decimal.RequireFromString("1.25"), EffectiveFrom: generic.NewDay(2025, time.January, 1), CreatedAt: created}
	require.NoError(t, st.AddRate(ctx, later))
	require.NoError(t, st.AddRate(ctx, earlier))

	rates, err := st.ListRates(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "r1", rates[0].ID, "ordered by effective date")
	assert.True(t, earlier.Percent.Equal(rates[0].Percent))

	kind := commission.SaleKind{
		Key:            "renewal",
		Name:           "Renewal",
		Commissionable: true,
		RequiredFields: []commission.SaleField{commission.FieldContractNumber, commission.FieldCustomerName},
	}
	require.NoError(t, st.PutSaleKind(ctx, kind))
	kind.Name = "Contract renewal"
	kind.Commissionable = false
	require.NoError(t, st.PutSaleKind(ctx, kind))

	got, err := st.GetSaleKind(ctx, "renewal")
	require.NoError(t, err)
	assert.Equal(t, "Contract renewal", got.Name)
	assert.False(t, got.Commissionable)
	assert.Equal(t, kind.RequiredFields, got.RequiredFields)

	kinds, err := st.ListSaleKinds(ctx)
	require.NoError(t, err)
	assert.Len(t, kinds, 1)

	_, err = st.GetSaleKind(ctx, "lease")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testAudit(t *testing.T, st commission.TxStore) {
	ctx := context.Background()

	entries := []generic.AuditEntry{
		{ID: "a1", Timestamp: created, ActorID: "admin", Action: generic.AuditSaleCreated, SubjectID: "s1", Payload: map[string]any{"kind": "sale"}},
		{ID: "a2", Timestamp: created.Add(time.Minute), ActorID: "admin", Action: generic.AuditSalePaid, SubjectID: "s1"},
		{ID: "a3", Timestamp: created.Add(2 * time.Minute), ActorID: "system", Action: generic.AuditCarryForward, SubjectID: "2025-02"},
	}
	for _, e := range entries {
		require.NoError(t, st.AppendAudit(ctx, e))
	}

	subject := "s1"
	bySubject, err := st.QueryAudit(ctx, generic.AuditFilter{SubjectID: &subject})
	require.NoError(t, err)
	require.Len(t, bySubject, 2)
	assert.Equal(t, "a1", bySubject[0].ID)
	assert.Equal(t, "sale", bySubject[0].Payload["kind"])
	assert.True(t, created.Equal(bySubject[0].Timestamp))

	actor := "system"
	byActor, err := st.QueryAudit(ctx, generic.AuditFilter{ActorID: &actor})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, generic.AuditCarryForward, byActor[0].Action)

	byAction, err := st.QueryAudit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditSalePaid, generic.AuditCarryForward}})
	require.NoError(t, err)
	assert.Len(t, byAction, 2)

	from := created.Add(30 * time.Second)
	limited, err := st.QueryAudit(ctx, generic.AuditFilter{From: &from, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a2", limited[0].ID)
}
