/*
Package commission turns sale lifecycle events into ledger rows and reduces
the ledger into per-period earnings.

PURPOSE:
  The generic package knows about signed rows, periods and versioned
  updates. This package adds the commission domain on top:
  - Sales with their price snapshots, payment status and history
  - The commission calculator and rate history
  - LedgerWriter: create / modify / cancel / restore / transfer
  - DeductionWorkflow: pending → approved | cancelled, carry-forward,
    duplicate cleanup
  - EarningsAggregator: paid, unpaid, deductions and net per period
  - PeriodReassigner: administrative period moves

KEY CONCEPTS IN THIS FILE (sale.go):
  - Sale: the commissionable event as the sales module reports it
  - PriceSnapshot: the candidate prices commission is computed from
  - Modification: append-only price change history with its ledger link
  - Actor: the authenticated caller of a command

SEE ALSO:
  - writer.go: Lifecycle events
  - calculator.go: Commission formula
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SALE
// =============================================================================

type SaleStatus string

const (
	SaleStatusActive    SaleStatus = "active"
	SaleStatusCancelled SaleStatus = "cancelled"
)

// PrimStatus is the commission payment status. Orthogonal to SaleStatus.
type PrimStatus string

const (
	PrimUnpaid PrimStatus = "unpaid"
	PrimPaid   PrimStatus = "paid"
)

type Sale struct {
	ID             generic.SaleID
	ContractNumber string
	CustomerName   string
	Kind           SaleKindKey
	Prices         PriceSnapshot
	Status         SaleStatus
	PrimStatus     PrimStatus
	SalespersonID  generic.SalespersonID
	PeriodID       generic.PeriodID
	SaleDate       time.Time

	// Rate is resolved once at creation; recomputations reuse it.
	Rate       decimal.Decimal
	Commission generic.Amount

	History []Modification

	// CancelCount numbers cancellations so each one gets its own deduction key.
	CancelCount int
	// CancellationTxID is the deduction written by the latest cancellation.
	CancellationTxID generic.TransactionID

	PaidAt    *time.Time
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Sale) Active() bool { return s.Status == SaleStatusActive }
func (s Sale) Paid() bool   { return s.PrimStatus == PrimPaid }

// =============================================================================
// PRICES
// =============================================================================

// PriceSnapshot holds the candidate prices of a sale. DiscountRate is a
// percentage in [0, 100].
type PriceSnapshot struct {
	ListPrice           generic.Amount  `json:"list_price"`
	DiscountRate        decimal.Decimal `json:"discount_rate"`
	DiscountedListPrice generic.Amount  `json:"discounted_list_price"`
	ActivityPrice       generic.Amount  `json:"activity_price"`
}

// Normalize derives DiscountedListPrice from the list price and discount
// rate when it was not provided.
func (p PriceSnapshot) Normalize() PriceSnapshot {
	if p.DiscountRate.IsPositive() && p.DiscountedListPrice.IsZero() && p.ListPrice.IsPositive() {
		keep := hundred.Sub(p.DiscountRate)
		p.DiscountedListPrice = p.ListPrice.Percent(keep)
	}
	return p
}

// Validate rejects negative prices and out-of-range discounts.
func (p PriceSnapshot) Validate() error {
	if p.ListPrice.IsNegative() {
		return generic.Invalid("list_price", "must not be negative")
	}
	if p.DiscountedListPrice.IsNegative() {
		return generic.Invalid("discounted_list_price", "must not be negative")
	}
	if p.ActivityPrice.IsNegative() {
		return generic.Invalid("activity_price", "must not be negative")
	}
	if p.DiscountRate.IsNegative() || p.DiscountRate.GreaterThan(hundred) {
		return generic.Invalid("discount_rate", "must be between 0 and 100, got %s", p.DiscountRate)
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// MODIFICATION HISTORY
// =============================================================================

// Modification is one entry of a sale's append-only price history.
// CommissionDelta always equals NewCommission - PreviousCommission and a
// non-zero delta always has a LinkedTransactionID of the same amount.
type Modification struct {
	PreviousPrices      PriceSnapshot
	NewPrices           PriceSnapshot
	PreviousCommission  generic.Amount
	NewCommission       generic.Amount
	CommissionDelta     generic.Amount
	Reason              string
	Actor               string
	At                  time.Time
	LinkedTransactionID generic.TransactionID
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is the authenticated caller of a command.
type Actor struct {
	ID      string
	IsAdmin bool
}

// System is the actor used by scheduled maintenance.
var System = Actor{ID: "system", IsAdmin: true}

func requireAdmin(actor Actor, action string) error {
	if !actor.IsAdmin {
		return &generic.AuthorizationError{Actor: actor.ID, Action: action}
	}
	return nil
}
