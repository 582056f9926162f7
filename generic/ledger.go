/*
ledger.go - Append-only commission ledger

PURPOSE:
  The Ledger is the immutable source of truth for every commission movement.
  Each earn, deduction and transfer is recorded here. Earnings are always
  computed by replaying transactions; there is no stored "balance" field
  that can drift from the rows.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Amounts are never updated, rows are never deleted
  2. SIGNED: earn and transfer_in >= 0, transfer_out and deduction <= 0
     (modification deltas are earn rows carrying the sign of the delta)
  3. PAIRED: a transfer_out and its transfer_in share a sale and cancel out
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

CORRECTIONS:
  A mistake is never edited away. Instead:
  1. Append an offsetting transaction (delta earn, deduction, compensation)
  2. Both the original and the offset remain in the ledger
  3. Net effect is the correction, history is preserved

EXAMPLE FLOW:
  1. Sale created, commission 900:           earn        +900
  2. Activity price lowered, commission 800: earn        -100 (sale_modified)
  3. Sale cancelled after payment:           deduction   -800 (pending)
  4. Administrator approves the deduction:   state       pending → approved

SEE ALSO:
  - store.go: Low-level persistence interface
  - commission/writer.go: Sale lifecycle events producing rows
*/
package generic

import (
	"context"
	"fmt"
)

// =============================================================================
// ROW INVARIANTS
// =============================================================================

// ValidateTransaction checks a row before it is written.
func ValidateTransaction(tx Transaction) error {
	if tx.SalespersonID == "" {
		return Invalid("salesperson_id", "transaction needs a salesperson")
	}
	if tx.PeriodID == "" {
		return Invalid("period_id", "transaction needs a period")
	}
	if !tx.Kind.Valid() {
		return Invalid("kind", "unknown transaction kind %q", tx.Kind)
	}

	switch tx.Kind {
	case KindEarn:
		if tx.Amount.IsNegative() && tx.Origin != OriginSaleModified {
			return Invalid("amount", "earn amount must not be negative, got %s", tx.Amount)
		}
	case KindTransferIn:
		if tx.Amount.IsNegative() {
			return Invalid("amount", "transfer_in amount must not be negative, got %s", tx.Amount)
		}
	case KindTransferOut:
		if tx.Amount.IsPositive() {
			return Invalid("amount", "transfer_out amount must not be positive, got %s", tx.Amount)
		}
	case KindDeduction:
		if tx.Amount.IsPositive() {
			return Invalid("amount", "deduction amount must not be positive, got %s", tx.Amount)
		}
		if tx.DeductionState == DeductionNone {
			return Invalid("deduction_state", "deduction needs a workflow state")
		}
		if tx.CarriedForward && tx.CarriedFromID == "" {
			return Invalid("carried_from_id", "carry-forward marker needs its originating deduction")
		}
	}

	if tx.Kind != KindDeduction && (tx.DeductionState != DeductionNone || tx.CarriedForward) {
		return Invalid("deduction_state", "only deductions carry a workflow state")
	}
	return nil
}

// ValidateTransferPair checks the both-or-neither transfer rows.
func ValidateTransferPair(out, in Transaction) error {
	if out.Kind != KindTransferOut || in.Kind != KindTransferIn {
		return Invalid("kind", "transfer pair must be transfer_out + transfer_in")
	}
	if out.SaleID == "" || out.SaleID != in.SaleID {
		return Invalid("sale_id", "transfer pair must share a sale")
	}
	if !out.Amount.Add(in.Amount).IsZero() {
		return Invalid("amount", "transfer pair does not net to zero: %s + %s", out.Amount, in.Amount)
	}
	return nil
}

// =============================================================================
// LEDGER - Validating, idempotent wrapper over a LedgerStore
// =============================================================================

type Ledger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{Store: store}
}

// Append validates and writes one row. Fails if the idempotency key exists.
func (l *Ledger) Append(ctx context.Context, tx Transaction) error {
	if err := ValidateTransaction(tx); err != nil {
		return err
	}
	if err := l.checkKey(ctx, tx.IdempotencyKey); err != nil {
		return err
	}
	return l.Store.Append(ctx, tx)
}

// AppendBatch validates every row and writes them atomically.
func (l *Ledger) AppendBatch(ctx context.Context, txs []Transaction) error {
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if err := ValidateTransaction(tx); err != nil {
			return err
		}
		if tx.IdempotencyKey == "" {
			continue
		}
		if seen[tx.IdempotencyKey] {
			return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, tx.IdempotencyKey)
		}
		seen[tx.IdempotencyKey] = true
		if err := l.checkKey(ctx, tx.IdempotencyKey); err != nil {
			return err
		}
	}
	return l.Store.AppendBatch(ctx, txs)
}

// AppendTransfer writes a transfer_out/transfer_in pair or nothing.
func (l *Ledger) AppendTransfer(ctx context.Context, out, in Transaction) error {
	if err := ValidateTransferPair(out, in); err != nil {
		return err
	}
	return l.AppendBatch(ctx, []Transaction{out, in})
}

func (l *Ledger) checkKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	exists, err := l.Store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, key)
	}
	return nil
}

// ForSale returns every row of a sale, in insertion order.
func (l *Ledger) ForSale(ctx context.Context, saleID SaleID) ([]Transaction, error) {
	return l.Store.List(ctx, TransactionFilter{SaleID: &saleID})
}

// Markers returns the carry-forward markers of a root deduction.
func (l *Ledger) Markers(ctx context.Context, root TransactionID) ([]Transaction, error) {
	kind := KindDeduction
	return l.Store.List(ctx, TransactionFilter{Kind: &kind, CarriedFromID: &root})
}

// Sum adds up the amounts of txs.
func Sum(txs []Transaction) Amount {
	total := ZeroAmount()
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total
}
