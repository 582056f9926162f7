package commission_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

func TestCompute(t *testing.T) {
	saleKind := commission.FixedKinds()[0]
	deposit := commission.FixedKinds()[1]
	one := decimal.NewFromInt(1)

	tests := []struct {
		name   string
		kind   commission.SaleKind
		prices commission.PriceSnapshot
		rate   decimal.Decimal
		want   string
	}{
		{
			name:   "list price only",
			kind:   saleKind,
			prices: prices(100000, 0),
			rate:   one,
			want:   "1000",
		},
		{
			name:   "activity price lower than list",
			kind:   saleKind,
			prices: prices(100000, 90000),
			rate:   one,
			want:   "900",
		},
		{
			name: "discounted list price lowest",
			kind: saleKind,
			prices: commission.PriceSnapshot{
				ListPrice:           generic.NewAmountFromInt(100000),
				DiscountRate:        decimal.NewFromInt(15),
				DiscountedListPrice: generic.NewAmountFromInt(85000),
				ActivityPrice:       generic.NewAmountFromInt(90000),
			},
			rate: one,
			want: "850",
		},
		{
			name: "discounted list price ignored without a discount",
			kind: saleKind,
			prices: commission.PriceSnapshot{
				ListPrice:           generic.NewAmountFromInt(100000),
				DiscountedListPrice: generic.NewAmountFromInt(50000),
			},
			rate: one,
			want: "1000",
		},
		{
			name:   "no positive price",
			kind:   saleKind,
			prices: prices(0, 0),
			rate:   one,
			want:   "0",
		},
		{
			name:   "deposit never earns",
			kind:   deposit,
			prices: prices(100000, 90000),
			rate:   one,
			want:   "0",
		},
		{
			name:   "zero rate",
			kind:   saleKind,
			prices: prices(100000, 90000),
			rate:   decimal.Zero,
			want:   "0",
		},
		{
			name:   "rounds half up to the minor unit",
			kind:   saleKind,
			prices: prices(12345, 0),
			rate:   decimal.RequireFromString("1.5"),
			want:   "185.18",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := commission.Compute(tt.kind, tt.prices, tt.rate)
			assertAmount(t, tt.want, got)
			assert.False(t, got.IsNegative())
		})
	}
}

func TestCompute_Deterministic(t *testing.T) {
	kind := commission.FixedKinds()[0]
	p := prices(123457, 99999)
	rate := decimal.RequireFromString("2.75")

	first := commission.Compute(kind, p, rate)
	for i := 0; i < 10; i++ {
		assert.True(t, first.Equal(commission.Compute(kind, p, rate)))
	}
}

func TestPriceSnapshot_Normalize(t *testing.T) {
	p := commission.PriceSnapshot{
		ListPrice:    generic.NewAmountFromInt(100000),
		DiscountRate: decimal.NewFromInt(15),
	}.Normalize()
	assertAmount(t, "85000", p.DiscountedListPrice)

	explicit := commission.PriceSnapshot{
		ListPrice:           generic.NewAmountFromInt(100000),
		DiscountRate:        decimal.NewFromInt(15),
		DiscountedListPrice: generic.NewAmountFromInt(80000),
	}.Normalize()
	assertAmount(t, "80000", explicit.DiscountedListPrice, "explicit discounted price wins")
}

func TestPriceSnapshot_Validate(t *testing.T) {
	assert.NoError(t, prices(100, 50).Validate())
	assert.ErrorIs(t, prices(-1, 0).Validate(), generic.ErrValidation)
	assert.ErrorIs(t, prices(100, -5).Validate(), generic.ErrValidation)

	over := prices(100, 0)
	over.DiscountRate = decimal.NewFromInt(101)
	assert.ErrorIs(t, over.Validate(), generic.ErrValidation)
}
