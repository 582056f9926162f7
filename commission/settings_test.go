package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// PERIODS
// =============================================================================

func TestCreatePeriod_Rejections(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.settings.CreatePeriod(ctx, generic.MonthlyPeriod(2025, time.April), clerk)
	assert.ErrorIs(t, err, generic.ErrUnauthorized)

	_, err = e.settings.CreatePeriod(ctx, generic.MonthlyPeriod(2025, time.January), admin)
	assert.ErrorIs(t, err, generic.ErrConflict, "same id")

	overlapping := generic.Period{ID: "bonus", Start: generic.NewDay(2025, time.March, 20), End: generic.NewDay(2025, time.April, 10)}
	_, err = e.settings.CreatePeriod(ctx, overlapping, admin)
	assert.ErrorIs(t, err, generic.ErrConflict, "overlap")

	backwards := generic.Period{ID: "backwards", Start: generic.NewDay(2025, time.May, 10), End: generic.NewDay(2025, time.May, 1)}
	_, err = e.settings.CreatePeriod(ctx, backwards, admin)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)

	periods, err := e.settings.Periods(ctx)
	require.NoError(t, err)
	assert.Len(t, periods, 3)
}

func TestEnsureMonthlyPeriod(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	existing, err := e.settings.EnsureMonthlyPeriod(ctx, jan(17), admin)
	require.NoError(t, err)
	assert.Equal(t, generic.PeriodID("2025-01"), existing.ID)

	created, err := e.settings.EnsureMonthlyPeriod(ctx, generic.NewDay(2025, time.April, 2), admin)
	require.NoError(t, err)
	assert.Equal(t, generic.PeriodID("2025-04"), created.ID)

	periods, err := e.settings.Periods(ctx)
	require.NoError(t, err)
	require.Len(t, periods, 4)
	assert.Equal(t, generic.PeriodID("2025-04"), periods[3].ID, "ordered by start")
}

func TestArchivePeriod(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	p, err := e.settings.ArchivePeriod(ctx, "2025-01", admin)
	require.NoError(t, err)
	assert.True(t, p.Archived())

	_, err = e.settings.ArchivePeriod(ctx, "2025-01", admin)
	assert.ErrorIs(t, err, generic.ErrConflict)

	_, err = e.settings.ArchivePeriod(ctx, "2025-02", clerk)
	assert.ErrorIs(t, err, generic.ErrUnauthorized)
}

// =============================================================================
// RATES
// =============================================================================

func TestRateHistory_EffectiveDate(t *testing.T) {
	// GIVEN: 1% from 2024 and 2% from February 2025
	// WHEN: Sales are created in January and February
	// THEN: Each sale uses the rate effective on its sale date

	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.settings.AddRate(ctx, commission.Rate{Percent: decimal.NewFromInt(2), EffectiveFrom: feb(1)}, admin)
	require.NoError(t, err)

	janSale := e.createSale(t, "s1", "sp-1", prices(100000, 0), jan(31))
	febSale := e.createSale(t, "s2", "sp-1", prices(100000, 0), feb(1))

	assertAmount(t, "1000", janSale.Sale.Commission)
	assertAmount(t, "2000", febSale.Sale.Commission)

	rates, err := e.settings.Rates(ctx)
	require.NoError(t, err)
	assert.Len(t, rates, 2)
}

func TestAddRate_Rejections(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.settings.AddRate(ctx, commission.Rate{Percent: decimal.NewFromInt(2), EffectiveFrom: feb(1)}, clerk)
	assert.ErrorIs(t, err, generic.ErrUnauthorized)

	_, err = e.settings.AddRate(ctx, commission.Rate{Percent: decimal.NewFromInt(-1), EffectiveFrom: feb(1)}, admin)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = e.settings.AddRate(ctx, commission.Rate{Percent: decimal.NewFromInt(3)}, admin)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// SALE KINDS
// =============================================================================

func TestPutSaleKind_CustomKindRules(t *testing.T) {
	// GIVEN: A non-commissionable "service" kind requiring a customer name
	// WHEN: Sales of that kind are created
	// THEN: A missing customer name is rejected, a complete one earns nothing

	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.settings.PutSaleKind(ctx, commission.SaleKind{
		Key:            "Service",
		Name:           "Service",
		Commissionable: false,
		RequiredFields: []commission.SaleField{commission.FieldCustomerName},
	}, admin)
	require.NoError(t, err)

	ev := commission.SaleCreated{
		SaleID:        "svc-1",
		Kind:          "service",
		Prices:        prices(20000, 0),
		SalespersonID: "sp-1",
		SaleDate:      jan(8),
		Actor:         admin,
	}
	_, err = e.writer.OnCreate(ctx, ev)
	assert.ErrorIs(t, err, generic.ErrValidation)

	ev.CustomerName = "Acme"
	res, err := e.writer.OnCreate(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Sale.Commission.IsZero())
	assert.Empty(t, res.Transactions)

	kinds, err := e.settings.SaleKinds(ctx)
	require.NoError(t, err)
	require.Len(t, kinds, 3)
	assert.Equal(t, commission.KindSale, kinds[0].Key)
	assert.Equal(t, commission.KindDeposit, kinds[1].Key)
	assert.Equal(t, commission.SaleKindKey("service"), kinds[2].Key)
}

func TestPutSaleKind_Rejections(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.settings.PutSaleKind(ctx, commission.SaleKind{Key: "deposit", Name: "Deposit", Commissionable: true}, admin)
	assert.ErrorIs(t, err, generic.ErrConflict)

	_, err = e.settings.PutSaleKind(ctx, commission.SaleKind{Key: "lease", Name: "Lease", RequiredFields: []commission.SaleField{"colour"}}, admin)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = e.settings.PutSaleKind(ctx, commission.SaleKind{Key: "lease", Name: "Lease"}, clerk)
	assert.ErrorIs(t, err, generic.ErrUnauthorized)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAuditTrail_RecordsCommands(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	ded := e.paidCancelledSale(t, "s1")
	_, err := e.deductions.Approve(ctx, ded.ID, admin)
	require.NoError(t, err)

	_, err = e.audit.Query(ctx, clerk, generic.AuditFilter{})
	assert.ErrorIs(t, err, generic.ErrUnauthorized)

	subject := "s1"
	entries, err := e.audit.Query(ctx, admin, generic.AuditFilter{SubjectID: &subject})
	require.NoError(t, err)
	var actions []generic.AuditAction
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	assert.Equal(t, []generic.AuditAction{
		generic.AuditSaleCreated,
		generic.AuditSalePaid,
		generic.AuditSaleCancelled,
	}, actions)

	approvals, err := e.audit.Query(ctx, admin, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditDeductionApproved}})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, string(ded.ID), approvals[0].SubjectID)
	assert.Equal(t, "admin", approvals[0].ActorID)
}
