package generic_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger() (*generic.Ledger, *memory.Store) {
	store := memory.New()
	return generic.NewLedger(store), store
}

func earn(id, key, amount string) generic.Transaction {
	return generic.Transaction{
		ID:             generic.TransactionID(id),
		SalespersonID:  "sp-1",
		PeriodID:       "2025-01",
		SaleID:         "sale-1",
		Kind:           generic.KindEarn,
		Amount:         generic.MustAmount(amount),
		Origin:         generic.OriginSaleCreated,
		IdempotencyKey: key,
		Version:        1,
	}
}

func pendingDeduction(id, key, amount string) generic.Transaction {
	tx := earn(id, key, amount)
	tx.Kind = generic.KindDeduction
	tx.Origin = generic.OriginSaleCancelled
	tx.DeductionState = generic.DeductionPending
	return tx
}

// =============================================================================
// SIGN INVARIANTS
// =============================================================================

func TestValidateTransaction_Signs(t *testing.T) {
	tests := []struct {
		name    string
		tx      generic.Transaction
		wantErr bool
	}{
		{"positive earn", earn("t1", "", "900"), false},
		{"zero earn", earn("t1", "", "0"), false},
		{"negative earn from creation", earn("t1", "", "-100"), true},
		{"negative earn from modification", func() generic.Transaction {
			tx := earn("t1", "", "-100")
			tx.Origin = generic.OriginSaleModified
			return tx
		}(), false},
		{"negative deduction", pendingDeduction("t1", "", "-900"), false},
		{"positive deduction", pendingDeduction("t1", "", "900"), true},
		{"deduction without state", func() generic.Transaction {
			tx := pendingDeduction("t1", "", "-900")
			tx.DeductionState = generic.DeductionNone
			return tx
		}(), true},
		{"marker without root", func() generic.Transaction {
			tx := pendingDeduction("t1", "", "-900")
			tx.CarriedForward = true
			return tx
		}(), true},
		{"earn with a workflow state", func() generic.Transaction {
			tx := earn("t1", "", "900")
			tx.DeductionState = generic.DeductionPending
			return tx
		}(), true},
		{"missing salesperson", func() generic.Transaction {
			tx := earn("t1", "", "900")
			tx.SalespersonID = ""
			return tx
		}(), true},
		{"missing period", func() generic.Transaction {
			tx := earn("t1", "", "900")
			tx.PeriodID = ""
			return tx
		}(), true},
		{"unknown kind", func() generic.Transaction {
			tx := earn("t1", "", "900")
			tx.Kind = "bonus"
			return tx
		}(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := generic.ValidateTransaction(tt.tx)
			if tt.wantErr {
				assert.ErrorIs(t, err, generic.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTransferPair(t *testing.T) {
	out := earn("out", "", "0")
	out.Kind = generic.KindTransferOut
	out.Amount = generic.MustAmount("-450")
	in := earn("in", "", "450")
	in.Kind = generic.KindTransferIn
	in.SalespersonID = "sp-2"

	assert.NoError(t, generic.ValidateTransferPair(out, in))

	unbalanced := in
	unbalanced.Amount = generic.MustAmount("400")
	assert.ErrorIs(t, generic.ValidateTransferPair(out, unbalanced), generic.ErrValidation)

	otherSale := in
	otherSale.SaleID = "sale-2"
	assert.ErrorIs(t, generic.ValidateTransferPair(out, otherSale), generic.ErrValidation)

	assert.ErrorIs(t, generic.ValidateTransferPair(in, out), generic.ErrValidation)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestLedger_DuplicateIdempotencyKeyRejected(t *testing.T) {
	// GIVEN: An earn written with key create:sale-1
	// WHEN: A second row with the same key is appended
	// THEN: The append fails with ErrDuplicateIdempotencyKey and one row remains

	ctx := context.Background()
	ledger, store := newTestLedger()

	require.NoError(t, ledger.Append(ctx, earn("t1", "create:sale-1", "900")))
	err := ledger.Append(ctx, earn("t2", "create:sale-1", "900"))
	assert.True(t, errors.Is(err, generic.ErrDuplicateIdempotencyKey))

	rows, err := store.List(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLedger_BatchAppendIsAtomic(t *testing.T) {
	// GIVEN: A batch whose second row repeats the first row's key
	// WHEN: The batch is appended
	// THEN: Nothing is written

	ctx := context.Background()
	ledger, store := newTestLedger()

	err := ledger.AppendBatch(ctx, []generic.Transaction{
		earn("t1", "k", "100"),
		earn("t2", "k", "200"),
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	n, err := store.Count(ctx, generic.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedger_AppendTransferWritesBothRows(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	out := earn("out", "transfer:sale-1:1:out", "0")
	out.Kind = generic.KindTransferOut
	out.Origin = generic.OriginSaleTransferred
	out.Amount = generic.MustAmount("-900")
	in := out
	in.ID = "in"
	in.Kind = generic.KindTransferIn
	in.SalespersonID = "sp-2"
	in.Amount = generic.MustAmount("900")
	in.IdempotencyKey = "transfer:sale-1:1:in"

	require.NoError(t, ledger.AppendTransfer(ctx, out, in))

	rows, err := ledger.ForSale(ctx, "sale-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, generic.Sum(rows).IsZero(), "transfer pair must net to zero")
}

func TestLedger_MarkersOfRoot(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	root := pendingDeduction("root", "cancel:sale-1:1", "-900")
	require.NoError(t, ledger.Append(ctx, root))

	marker := pendingDeduction("m1", "carry:root:2025-02", "-900")
	marker.PeriodID = "2025-02"
	marker.Origin = generic.OriginCarryForward
	marker.CarriedForward = true
	marker.CarriedFromID = "root"
	require.NoError(t, ledger.Append(ctx, marker))

	markers, err := ledger.Markers(ctx, "root")
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, generic.TransactionID("root"), markers[0].RootID())
	assert.Equal(t, generic.TransactionID("root"), root.RootID())
}

// =============================================================================
// OPTIMISTIC LOCKING
// =============================================================================

func TestUpdateDeductionState_StaleVersionRejected(t *testing.T) {
	// GIVEN: A pending deduction at version 1
	// WHEN: Two updates both claim to have read version 1
	// THEN: Only the first succeeds

	ctx := context.Background()
	ledger, store := newTestLedger()
	require.NoError(t, ledger.Append(ctx, pendingDeduction("d1", "cancel:sale-1:1", "-900")))

	change := generic.StateChange{State: generic.DeductionApproved, Actor: "admin"}
	updated, err := store.UpdateDeductionState(ctx, "d1", 1, change)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, generic.DeductionApproved, updated.DeductionState)
	assert.True(t, updated.Amount.Equal(generic.MustAmount("-900")), "amount never changes")

	_, err = store.UpdateDeductionState(ctx, "d1", 1, change)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	_, err = store.UpdateDeductionState(ctx, "missing", 1, change)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
