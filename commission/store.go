package commission

import (
	"context"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// STORE - Everything the engine persists
// =============================================================================

type SaleFilter struct {
	SalespersonID *generic.SalespersonID
	PeriodID      *generic.PeriodID
	Status        *SaleStatus
}

func (f SaleFilter) Match(s Sale) bool {
	if f.SalespersonID != nil && s.SalespersonID != *f.SalespersonID {
		return false
	}
	if f.PeriodID != nil && s.PeriodID != *f.PeriodID {
		return false
	}
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	return true
}

// SaleStore holds sale records. History is append-only through
// AppendModification; UpdateSale never rewrites it.
type SaleStore interface {
	CreateSale(ctx context.Context, s Sale) error
	GetSale(ctx context.Context, id generic.SaleID) (Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)

	// UpdateSale writes the mutable sale columns if the stored version still
	// equals expectedVersion, and returns the stored sale (history included)
	// with its new version.
	UpdateSale(ctx context.Context, s Sale, expectedVersion int) (Sale, error)

	AppendModification(ctx context.Context, id generic.SaleID, m Modification) error
}

type RateStore interface {
	AddRate(ctx context.Context, r Rate) error
	// ListRates returns the history ordered by EffectiveFrom.
	ListRates(ctx context.Context) ([]Rate, error)
}

type SaleKindStore interface {
	// PutSaleKind inserts or replaces an administrator-defined kind.
	PutSaleKind(ctx context.Context, k SaleKind) error
	GetSaleKind(ctx context.Context, key SaleKindKey) (SaleKind, error)
	ListSaleKinds(ctx context.Context) ([]SaleKind, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	generic.LedgerStore
	generic.PeriodStore
	generic.AuditLog
	SaleStore
	RateStore
	SaleKindStore
}

// TxStore adds units of work. Every command runs inside WithTx; every
// read model is computed inside View so it sees one consistent snapshot.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// View executes fn against a read-only snapshot.
	View(ctx context.Context, fn func(Store) error) error

	Close() error
}
