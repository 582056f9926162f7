package commission

import (
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// COMMISSION CALCULATOR
// =============================================================================

// Compute returns the commission of a price snapshot at rate percent.
//
//   - non-commissionable kinds (deposit) → 0
//   - candidates are the strictly positive prices among list price,
//     discounted list price (only when a discount applies) and activity price
//   - commission = min(candidates) * rate / 100, rounded half-up to the
//     minor unit, never negative
//
// Compute is pure: identical inputs always reproduce the same amount.
func Compute(kind SaleKind, prices PriceSnapshot, rate decimal.Decimal) generic.Amount {
	if !kind.Commissionable || !rate.IsPositive() {
		return generic.ZeroAmount()
	}

	var (
		base  generic.Amount
		found bool
	)
	consider := func(p generic.Amount) {
		if !p.IsPositive() {
			return
		}
		if !found || p.LessThan(base) {
			base, found = p, true
		}
	}
	consider(prices.ListPrice)
	if prices.DiscountRate.IsPositive() {
		consider(prices.DiscountedListPrice)
	}
	consider(prices.ActivityPrice)

	if !found {
		return generic.ZeroAmount()
	}
	return base.Percent(rate)
}
