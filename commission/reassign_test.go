package commission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

func TestReassign_MovesRowBetweenPeriods(t *testing.T) {
	// GIVEN: A 900 earn in January
	// WHEN: An administrator moves it to February
	// THEN: Only the period changes and the amount shows in February only

	ctx := context.Background()
	e := newTestEngine(t)
	created := e.createSale(t, "s1", "sp-1", prices(100000, 90000), jan(30))
	tx := created.Transactions[0]

	res, err := e.reassigner.Reassign(ctx, tx.ID, "2025-02", admin)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, generic.PeriodID("2025-01"), res.FromPeriodID)
	assert.Equal(t, generic.PeriodID("2025-02"), res.ToPeriodID)
	assert.Equal(t, generic.PeriodID("2025-02"), res.Transaction.PeriodID)
	assert.True(t, res.Transaction.Amount.Equal(tx.Amount))
	assert.Equal(t, tx.Kind, res.Transaction.Kind)
	assert.Equal(t, tx.Version+1, res.Transaction.Version)

	janID := generic.PeriodID("2025-01")
	janViews, err := e.earnings.Aggregate(ctx, commission.EarningsFilter{PeriodID: &janID})
	require.NoError(t, err)
	assert.Empty(t, janViews, "nothing left in January")
	assertAmount(t, "900", e.view(t, "sp-1", "2025-02").UnpaidAmount)
}

func TestReassign_SamePeriodIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	created := e.createSale(t, "s1", "sp-1", prices(1000, 0), jan(3))

	res, err := e.reassigner.Reassign(ctx, created.Transactions[0].ID, "2025-01", admin)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, created.Transactions[0].Version, res.Transaction.Version)
}

func TestReassign_Rejections(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	created := e.createSale(t, "s1", "sp-1", prices(1000, 0), jan(3))
	id := created.Transactions[0].ID

	_, err := e.reassigner.Reassign(ctx, id, "2025-02", clerk)
	assert.ErrorIs(t, err, generic.ErrUnauthorized)

	_, err = e.reassigner.Reassign(ctx, id, "", admin)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = e.reassigner.Reassign(ctx, id, "2031-01", admin)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = e.reassigner.Reassign(ctx, "missing", "2025-02", admin)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = e.settings.ArchivePeriod(ctx, "2025-03", admin)
	require.NoError(t, err)
	_, err = e.reassigner.Reassign(ctx, id, "2025-03", admin)
	assert.ErrorIs(t, err, generic.ErrConflict)

	stored, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, generic.PeriodID("2025-01"), stored.PeriodID)
}

func TestReassign_MarkerRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.paidCancelledSale(t, "s1")
	carried, err := e.deductions.CarryForward(ctx, "2025-02", admin)
	require.NoError(t, err)

	_, err = e.reassigner.Reassign(ctx, carried.Written[0].ID, "2025-03", admin)
	assert.ErrorIs(t, err, generic.ErrConflict)
}

func TestReassign_DeductionKeepsState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	ded := e.paidCancelledSale(t, "s1")

	res, err := e.reassigner.Reassign(ctx, ded.ID, "2025-02", admin)
	require.NoError(t, err)
	assert.Equal(t, generic.DeductionPending, res.Transaction.DeductionState)

	// The moved row is still approvable with its new version.
	approved, err := e.deductions.Approve(ctx, ded.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, generic.PeriodID("2025-02"), approved.PeriodID)
	assertAmount(t, "900", e.view(t, "sp-1", "2025-02").ApprovedDeductionsTotal)
}
