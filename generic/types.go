/*
Package generic provides the core ledger primitives of the commission engine.

PURPOSE:
  This package contains the domain-agnostic building blocks of the ledger:
  money amounts, identifiers, the signed ledger transaction, periods and the
  persistence contracts. The commission package builds the sale lifecycle,
  deduction workflow and earnings aggregation on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: An exact decimal money value in the single engine currency
  - Transaction: A signed ledger row (earn, deduction, transfer_in, transfer_out)
  - DeductionState: pending → approved | cancelled
  - Origin: Which lifecycle event produced the row

DESIGN PRINCIPLES:
  1. Immutability: Amounts are never modified, corrections are appended
  2. Precision: Uses decimal.Decimal, never float64, for money
  3. Type Safety: Distinct id types for salespeople, periods, sales, transactions
  4. Auditability: Every row has an origin, an actor and an idempotency key

USAGE:
  tx := generic.Transaction{
      SalespersonID: "sp-1",
      PeriodID:      "2025-03",
      SaleID:        "sale-1",
      Kind:          generic.KindEarn,
      Amount:        generic.MustAmount("900"),
      Origin:        generic.OriginSaleCreated,
  }

SEE ALSO:
  - ledger.go: Invariant checks and idempotent appends
  - store.go: Persistence contracts
  - period.go: Commission periods
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Exact money value
// =============================================================================

// MinorUnits is the number of decimal places of the engine currency.
const MinorUnits int32 = 2

type Amount struct {
	Value decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func NewAmount(value decimal.Decimal) Amount { return Amount{Value: value} }
func NewAmountFromInt(value int64) Amount    { return Amount{Value: decimal.NewFromInt(value)} }
func ZeroAmount() Amount                     { return Amount{Value: decimal.Zero} }

// ParseAmount parses a decimal string such as "900" or "-12.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &ValidationError{Field: "amount", Message: "malformed decimal " + s}
	}
	return Amount{Value: d}, nil
}

// MustAmount parses s or panics. Use in tests and constants only.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) Abs() Amount                  { return Amount{Value: a.Value.Abs()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.StringFixed(MinorUnits) }

// Round rounds half-up to the currency minor unit. Amounts handled by the
// engine are rounded before they reach the ledger.
func (a Amount) Round() Amount {
	if a.Value.IsNegative() {
		return Amount{Value: a.Value.Neg().Round(MinorUnits).Neg()}
	}
	return Amount{Value: a.Value.Round(MinorUnits)}
}

// Percent returns a * rate / 100, rounded to the minor unit.
func (a Amount) Percent(rate decimal.Decimal) Amount {
	return Amount{Value: a.Value.Mul(rate).Div(hundred)}.Round()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return &ValidationError{Field: "amount", Message: "malformed decimal " + string(b)}
	}
	a.Value = d
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SalespersonID string
type PeriodID string
type SaleID string
type TransactionID string

// =============================================================================
// TRANSACTION - Signed ledger row
// =============================================================================

type TransactionKind string

const (
	KindEarn        TransactionKind = "earn"         // Commission earned (kazanç)
	KindDeduction   TransactionKind = "deduction"    // Clawback (kesinti), gated by DeductionState
	KindTransferIn  TransactionKind = "transfer_in"  // Commission received from another salesperson
	KindTransferOut TransactionKind = "transfer_out" // Commission handed to another salesperson
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarn, KindDeduction, KindTransferIn, KindTransferOut:
		return true
	}
	return false
}

type DeductionState string

const (
	DeductionNone      DeductionState = ""
	DeductionPending   DeductionState = "pending"
	DeductionApproved  DeductionState = "approved"
	DeductionCancelled DeductionState = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s DeductionState) Terminal() bool {
	return s == DeductionApproved || s == DeductionCancelled
}

type Origin string

const (
	OriginSaleCreated     Origin = "sale_created"
	OriginSaleModified    Origin = "sale_modified"
	OriginSaleCancelled   Origin = "sale_cancelled"
	OriginSaleRestored    Origin = "sale_restored"
	OriginSaleTransferred Origin = "sale_transferred"
	OriginCarryForward    Origin = "carry_forward"
)

type Transaction struct {
	ID            TransactionID
	SalespersonID SalespersonID
	PeriodID      PeriodID
	SaleID        SaleID
	Kind          TransactionKind
	Amount        Amount
	Description   string
	Origin        Origin

	// Rate is the commission percentage the amount was computed with.
	Rate decimal.Decimal

	// Deduction workflow, only meaningful when Kind == KindDeduction.
	DeductionState DeductionState
	ResolvedBy     string
	ResolvedAt     *time.Time
	ResolutionNote string

	// Carry-forward markers reference the pending deduction they re-surface.
	CarriedForward bool
	CarriedFromID  TransactionID

	IdempotencyKey string

	// Version is bumped on every state or period change (optimistic locking).
	Version int

	CreatedBy string
	CreatedAt time.Time
}

// IsLivePendingDeduction reports whether the row is a deduction still
// awaiting approval or cancellation.
func (t Transaction) IsLivePendingDeduction() bool {
	return t.Kind == KindDeduction && t.DeductionState == DeductionPending
}

// RootID returns the deduction this row stands for: the carried-from
// deduction for markers, the row itself otherwise.
func (t Transaction) RootID() TransactionID {
	if t.CarriedForward && t.CarriedFromID != "" {
		return t.CarriedFromID
	}
	return t.ID
}

// TransactionFilter selects ledger rows. Nil fields match everything.
type TransactionFilter struct {
	SalespersonID *SalespersonID
	PeriodID      *PeriodID
	SaleID        *SaleID
	Kind          *TransactionKind
	State         *DeductionState
	CarriedFromID *TransactionID

	// Limit and Offset page the result; Limit 0 means no limit.
	Limit  int
	Offset int
}

// Match reports whether tx satisfies the filter (ignores paging).
func (f TransactionFilter) Match(tx Transaction) bool {
	if f.SalespersonID != nil && tx.SalespersonID != *f.SalespersonID {
		return false
	}
	if f.PeriodID != nil && tx.PeriodID != *f.PeriodID {
		return false
	}
	if f.SaleID != nil && tx.SaleID != *f.SaleID {
		return false
	}
	if f.Kind != nil && tx.Kind != *f.Kind {
		return false
	}
	if f.State != nil && tx.DeductionState != *f.State {
		return false
	}
	if f.CarriedFromID != nil && tx.CarriedFromID != *f.CarriedFromID {
		return false
	}
	return true
}

// StateChange is the only mutation allowed on a deduction row.
type StateChange struct {
	State DeductionState
	Actor string
	At    time.Time
	Note  string
}
