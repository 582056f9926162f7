/*
Package factory provides JSON to Go sale kind conversion.

PURPOSE:
  Converts JSON sale kind definitions into commission.SaleKind values.
  Administrators define extra kinds (renewals, service contracts...)
  without a release; the two fixed kinds stay in code.

JSON SCHEMA:
  {
    "key": "renewal",
    "name": "Contract Renewal",
    "commissionable": true,
    "required_fields": ["contract_number", "customer_name", "list_price"]
  }

  A file may also hold an array of such objects.

KEY FEATURES:
  - Validates JSON structure
  - Lowercases keys
  - Defaults commissionable to true
  - Rejects redefinitions of the fixed kinds

USAGE:
  f := factory.NewSaleKindFactory()
  kinds, err := f.ParseSaleKinds(jsonString)
  for _, k := range kinds {
      settings.PutSaleKind(ctx, k, admin)
  }

SEE ALSO:
  - commission/kinds.go: SaleKind type definition
  - commission/settings.go: PutSaleKind
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SaleKindJSON is the JSON representation of a sale kind.
type SaleKindJSON struct {
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	Commissionable *bool    `json:"commissionable,omitempty"` // Default true
	RequiredFields []string `json:"required_fields,omitempty"`
}

// =============================================================================
// SALE KIND FACTORY
// =============================================================================

// SaleKindFactory converts JSON sale kinds to Go structs.
type SaleKindFactory struct{}

func NewSaleKindFactory() *SaleKindFactory {
	return &SaleKindFactory{}
}

// ParseSaleKind parses one JSON object.
func (f *SaleKindFactory) ParseSaleKind(jsonStr string) (commission.SaleKind, error) {
	var kj SaleKindJSON
	if err := json.Unmarshal([]byte(jsonStr), &kj); err != nil {
		return commission.SaleKind{}, fmt.Errorf("failed to parse sale kind JSON: %w", err)
	}
	return f.FromJSON(kj)
}

// ParseSaleKinds accepts either one object or an array of objects.
func (f *SaleKindFactory) ParseSaleKinds(jsonStr string) ([]commission.SaleKind, error) {
	trimmed := bytes.TrimSpace([]byte(jsonStr))
	if len(trimmed) == 0 || trimmed[0] != '[' {
		k, err := f.ParseSaleKind(jsonStr)
		if err != nil {
			return nil, err
		}
		return []commission.SaleKind{k}, nil
	}

	var list []SaleKindJSON
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, fmt.Errorf("failed to parse sale kinds JSON: %w", err)
	}
	seen := make(map[commission.SaleKindKey]bool, len(list))
	out := make([]commission.SaleKind, 0, len(list))
	for i, kj := range list {
		k, err := f.FromJSON(kj)
		if err != nil {
			return nil, fmt.Errorf("sale kind #%d: %w", i, err)
		}
		if seen[k.Key] {
			return nil, fmt.Errorf("sale kind #%d: duplicate key %q", i, k.Key)
		}
		seen[k.Key] = true
		out = append(out, k)
	}
	return out, nil
}

// FromJSON converts a SaleKindJSON to a commission.SaleKind.
func (f *SaleKindFactory) FromJSON(kj SaleKindJSON) (commission.SaleKind, error) {
	k := commission.SaleKind{
		Key:            commission.SaleKindKey(strings.ToLower(strings.TrimSpace(kj.Key))),
		Name:           strings.TrimSpace(kj.Name),
		Commissionable: true,
	}
	if kj.Commissionable != nil {
		k.Commissionable = *kj.Commissionable
	}
	if commission.IsFixedKind(k.Key) {
		return commission.SaleKind{}, fmt.Errorf("sale kind %q is built in and cannot be redefined", k.Key)
	}
	for _, field := range kj.RequiredFields {
		k.RequiredFields = append(k.RequiredFields, commission.SaleField(strings.ToLower(strings.TrimSpace(field))))
	}
	if err := k.Validate(); err != nil {
		return commission.SaleKind{}, err
	}
	return k, nil
}

// ToJSON converts a SaleKind back to JSON format.
func (f *SaleKindFactory) ToJSON(k commission.SaleKind) SaleKindJSON {
	commissionable := k.Commissionable
	kj := SaleKindJSON{
		Key:            string(k.Key),
		Name:           k.Name,
		Commissionable: &commissionable,
	}
	for _, field := range k.RequiredFields {
		kj.RequiredFields = append(kj.RequiredFields, string(field))
	}
	return kj
}

// =============================================================================
// PRESETS
// =============================================================================

// DefaultSaleKindsJSON is the starter set loaded by the demo scenarios.
const DefaultSaleKindsJSON = `[
  {
    "key": "renewal",
    "name": "Contract Renewal",
    "required_fields": ["contract_number", "customer_name", "list_price"]
  },
  {
    "key": "service",
    "name": "Service Agreement",
    "commissionable": false,
    "required_fields": ["customer_name"]
  }
]`
