package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SALE KINDS - Two fixed kinds plus an administrator-defined table
// =============================================================================

type SaleKindKey string

const (
	// KindSale always generates commission.
	KindSale SaleKindKey = "sale"
	// KindDeposit (kapora) never generates commission.
	KindDeposit SaleKindKey = "deposit"
)

// SaleField names a field a sale kind can require.
type SaleField string

const (
	FieldContractNumber SaleField = "contract_number"
	FieldCustomerName   SaleField = "customer_name"
	FieldListPrice      SaleField = "list_price"
	FieldActivityPrice  SaleField = "activity_price"
	FieldDiscountRate   SaleField = "discount_rate"
)

func (f SaleField) Valid() bool {
	switch f {
	case FieldContractNumber, FieldCustomerName, FieldListPrice, FieldActivityPrice, FieldDiscountRate:
		return true
	}
	return false
}

type SaleKind struct {
	Key            SaleKindKey
	Name           string
	Commissionable bool
	RequiredFields []SaleField
}

var fixedKinds = map[SaleKindKey]SaleKind{
	KindSale: {
		Key:            KindSale,
		Name:           "Sale",
		Commissionable: true,
		RequiredFields: []SaleField{FieldContractNumber, FieldListPrice},
	},
	KindDeposit: {
		Key:            KindDeposit,
		Name:           "Deposit",
		Commissionable: false,
		RequiredFields: []SaleField{FieldListPrice},
	},
}

// IsFixedKind reports whether key is one of the built-in kinds.
func IsFixedKind(key SaleKindKey) bool {
	_, ok := fixedKinds[key]
	return ok
}

// FixedKinds returns the built-in kinds, sale first.
func FixedKinds() []SaleKind {
	return []SaleKind{fixedKinds[KindSale], fixedKinds[KindDeposit]}
}

// Validate checks an administrator-defined kind.
func (k SaleKind) Validate() error {
	if k.Key == "" || strings.TrimSpace(string(k.Key)) != string(k.Key) {
		return generic.Invalid("key", "sale kind key is required and must not contain surrounding spaces")
	}
	if k.Name == "" {
		return generic.Invalid("name", "sale kind %s needs a name", k.Key)
	}
	for _, f := range k.RequiredFields {
		if !f.Valid() {
			return generic.Invalid("required_fields", "unknown field %q", f)
		}
	}
	return nil
}

// LookupKind resolves a kind key: fixed kinds first, then the table.
func LookupKind(ctx context.Context, st SaleKindStore, key SaleKindKey) (SaleKind, error) {
	if k, ok := fixedKinds[key]; ok {
		return k, nil
	}
	k, err := st.GetSaleKind(ctx, key)
	if errors.Is(err, generic.ErrNotFound) {
		return SaleKind{}, generic.Invalid("kind", "unknown sale kind %q", key)
	}
	if err != nil {
		return SaleKind{}, fmt.Errorf("lookup sale kind %s: %w", key, err)
	}
	return k, nil
}

// CheckRequired applies the kind's required-field policy to a new sale.
func (k SaleKind) CheckRequired(ev SaleCreated) error {
	for _, f := range k.RequiredFields {
		missing := false
		switch f {
		case FieldContractNumber:
			missing = strings.TrimSpace(ev.ContractNumber) == ""
		case FieldCustomerName:
			missing = strings.TrimSpace(ev.CustomerName) == ""
		case FieldListPrice:
			missing = !ev.Prices.ListPrice.IsPositive()
		case FieldActivityPrice:
			missing = !ev.Prices.ActivityPrice.IsPositive()
		case FieldDiscountRate:
			missing = !ev.Prices.DiscountRate.IsPositive()
		}
		if missing {
			return generic.Invalid(string(f), "required for sale kind %s", k.Key)
		}
	}
	return nil
}
