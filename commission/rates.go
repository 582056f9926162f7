package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// RATES - Commission percentage history keyed by effective date
// =============================================================================

// Rate is one entry of the rate history. Percent is a percentage, 1 means 1%.
type Rate struct {
	ID            string
	Percent       decimal.Decimal
	EffectiveFrom time.Time
	CreatedBy     string
	CreatedAt     time.Time
}

func (r Rate) Validate() error {
	if r.Percent.IsNegative() || r.Percent.GreaterThan(hundred) {
		return generic.Invalid("percent", "rate must be between 0 and 100, got %s", r.Percent)
	}
	if r.EffectiveFrom.IsZero() {
		return generic.Invalid("effective_from", "rate needs an effective date")
	}
	return nil
}

// RateProvider returns the commission rate effective at a moment.
type RateProvider interface {
	RateAt(ctx context.Context, at time.Time) (decimal.Decimal, error)
}

// FixedRate always returns the same percentage.
type FixedRate decimal.Decimal

func (f FixedRate) RateAt(context.Context, time.Time) (decimal.Decimal, error) {
	return decimal.Decimal(f), nil
}

// RateSchedule resolves rates from the stored rate history.
type RateSchedule struct {
	Store RateStore
}

// RateAt returns the latest rate whose EffectiveFrom is on or before at.
func (s RateSchedule) RateAt(ctx context.Context, at time.Time) (decimal.Decimal, error) {
	rates, err := s.Store.ListRates(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("load rates: %w", err)
	}
	day := generic.Day(at)
	var (
		found bool
		best  Rate
	)
	for _, r := range rates {
		if r.EffectiveFrom.After(day) {
			continue
		}
		if !found || !r.EffectiveFrom.Before(best.EffectiveFrom) {
			best, found = r, true
		}
	}
	if !found {
		return decimal.Decimal{}, fmt.Errorf("%w at %s", generic.ErrRateUnavailable, generic.FormatDay(at))
	}
	return best.Percent, nil
}
