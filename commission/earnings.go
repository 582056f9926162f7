/*
earnings.go - Per-period earnings computed from the ledger

PURPOSE:
  Earnings are never stored. They are derived by replaying the ledger plus
  each sale's current status, inside one read snapshot, so a reader never
  sees half of a transfer or a transaction counted in two periods.

THE VIEW (per salesperson, per period):
  PaidAmount:    signed earn/transfer rows of sales whose commission is paid
  UnpaidAmount:  signed earn/transfer rows of active unpaid sales, plus
                 restoration compensations (money owed again)
  VoidedAmount:  rows of cancelled unpaid sales, informational only
  ApprovedDeductionsTotal: magnitude of approved deductions in the period
  PendingDeductionsTotal:  magnitude of pending deductions in the period
  CarriedForwardDeductionsTotal: magnitude of pending deductions from
                 periods that start strictly earlier, counted by reference
  NetUnpaid = UnpaidAmount - ApprovedDeductionsTotal

  Pending and carried-forward totals are warnings; they do not reduce
  NetUnpaid until approved.

FILTERING:
  Salesperson and period filters only select which views are returned.
  The per-view math is the same whether or not a filter is applied.

SEE ALSO:
  - deduction.go: Deduction states and carry-forward markers
*/
package commission

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// EARNINGS VIEW
// =============================================================================

type EarningsFilter struct {
	SalespersonID *generic.SalespersonID
	PeriodID      *generic.PeriodID
}

type EarningsView struct {
	SalespersonID generic.SalespersonID
	PeriodID      generic.PeriodID

	PaidAmount                    generic.Amount
	UnpaidAmount                  generic.Amount
	ApprovedDeductionsTotal       generic.Amount
	PendingDeductionsTotal        generic.Amount
	CarriedForwardDeductionsTotal generic.Amount
	NetUnpaid                     generic.Amount
	VoidedAmount                  generic.Amount

	// Counts excludes carry-forward markers, which are counted separately.
	Counts              map[generic.TransactionKind]int
	CarryForwardMarkers int
}

func newView(sp generic.SalespersonID, p generic.PeriodID) *EarningsView {
	zero := generic.ZeroAmount()
	return &EarningsView{
		SalespersonID:                 sp,
		PeriodID:                      p,
		PaidAmount:                    zero,
		UnpaidAmount:                  zero,
		ApprovedDeductionsTotal:       zero,
		PendingDeductionsTotal:        zero,
		CarriedForwardDeductionsTotal: zero,
		NetUnpaid:                     zero,
		VoidedAmount:                  zero,
		Counts:                        make(map[generic.TransactionKind]int),
	}
}

// =============================================================================
// EARNINGS AGGREGATOR
// =============================================================================

type EarningsAggregator struct {
	Store TxStore
}

func NewEarningsAggregator(store TxStore) *EarningsAggregator {
	return &EarningsAggregator{Store: store}
}

// Aggregate returns one view per (salesperson, period) with activity,
// ordered by period start then salesperson. It never writes.
func (a *EarningsAggregator) Aggregate(ctx context.Context, filter EarningsFilter) ([]EarningsView, error) {
	var out []EarningsView
	err := a.Store.View(ctx, func(st Store) error {
		var err error
		out, err = aggregate(ctx, st, filter)
		return err
	})
	return out, err
}

type viewKey struct {
	sp generic.SalespersonID
	p  generic.PeriodID
}

func aggregate(ctx context.Context, st Store, filter EarningsFilter) ([]EarningsView, error) {
	periods, err := st.ListPeriods(ctx)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	order := make(map[generic.PeriodID]int, len(periods))
	for i, p := range periods {
		order[p.ID] = i
	}

	// Every period is needed for carry-forward, so only the salesperson
	// filter narrows the rows read.
	rows, err := st.List(ctx, generic.TransactionFilter{SalespersonID: filter.SalespersonID})
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	sales, err := st.ListSales(ctx, SaleFilter{})
	if err != nil {
		return nil, fmt.Errorf("load sales: %w", err)
	}
	saleByID := make(map[generic.SaleID]Sale, len(sales))
	for _, s := range sales {
		saleByID[s.ID] = s
	}

	views := make(map[viewKey]*EarningsView)
	get := func(sp generic.SalespersonID, p generic.PeriodID) *EarningsView {
		k := viewKey{sp, p}
		v, ok := views[k]
		if !ok {
			v = newView(sp, p)
			views[k] = v
		}
		return v
	}

	var pendingRoots []generic.Transaction
	for _, tx := range rows {
		v := get(tx.SalespersonID, tx.PeriodID)
		if tx.CarriedForward {
			v.CarryForwardMarkers++
			continue
		}
		v.Counts[tx.Kind]++

		switch tx.Kind {
		case generic.KindEarn, generic.KindTransferIn, generic.KindTransferOut:
			switch classify(tx, saleByID) {
			case bucketPaid:
				v.PaidAmount = v.PaidAmount.Add(tx.Amount)
			case bucketVoided:
				v.VoidedAmount = v.VoidedAmount.Add(tx.Amount)
			default:
				v.UnpaidAmount = v.UnpaidAmount.Add(tx.Amount)
			}
		case generic.KindDeduction:
			switch tx.DeductionState {
			case generic.DeductionApproved:
				v.ApprovedDeductionsTotal = v.ApprovedDeductionsTotal.Add(tx.Amount.Abs())
			case generic.DeductionPending:
				v.PendingDeductionsTotal = v.PendingDeductionsTotal.Add(tx.Amount.Abs())
				pendingRoots = append(pendingRoots, tx)
			}
		}
	}

	// Carry-forward by reference: a pending root shows in every period that
	// starts after its own.
	for _, root := range pendingRoots {
		i, ok := order[root.PeriodID]
		if !ok {
			continue
		}
		for _, later := range periods[i+1:] {
			if !periods[i].Before(later) {
				continue
			}
			v := get(root.SalespersonID, later.ID)
			v.CarriedForwardDeductionsTotal = v.CarriedForwardDeductionsTotal.Add(root.Amount.Abs())
		}
	}

	out := make([]EarningsView, 0, len(views))
	for _, v := range views {
		if filter.PeriodID != nil && v.PeriodID != *filter.PeriodID {
			continue
		}
		if filter.SalespersonID != nil && v.SalespersonID != *filter.SalespersonID {
			continue
		}
		v.NetUnpaid = v.UnpaidAmount.Sub(v.ApprovedDeductionsTotal)
		out = append(out, *v)
	}

	sort.Slice(out, func(i, j int) bool {
		oi, iok := order[out[i].PeriodID]
		oj, jok := order[out[j].PeriodID]
		switch {
		case iok && jok && oi != oj:
			return oi < oj
		case iok != jok:
			return iok
		case out[i].PeriodID != out[j].PeriodID:
			return out[i].PeriodID < out[j].PeriodID
		}
		return out[i].SalespersonID < out[j].SalespersonID
	})
	return out, nil
}

type bucket int

const (
	bucketUnpaid bucket = iota
	bucketPaid
	bucketVoided
)

func classify(tx generic.Transaction, sales map[generic.SaleID]Sale) bucket {
	if tx.Origin == generic.OriginSaleRestored {
		return bucketUnpaid
	}
	sale, ok := sales[tx.SaleID]
	if !ok {
		return bucketUnpaid
	}
	switch {
	case sale.Paid():
		return bucketPaid
	case !sale.Active():
		return bucketVoided
	}
	return bucketUnpaid
}

// =============================================================================
// READ API - Ledger listings for reporting
// =============================================================================

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type TransactionQuery struct {
	PeriodID      *generic.PeriodID
	Kind          *generic.TransactionKind
	SalespersonID *generic.SalespersonID
	SaleID        *generic.SaleID
	Page          int // 1-based
	PageSize      int
}

type TransactionPage struct {
	Items    []generic.Transaction
	Page     int
	PageSize int
	Total    int
}

// Transactions returns one page of ledger rows in insertion order.
func (a *EarningsAggregator) Transactions(ctx context.Context, q TransactionQuery) (TransactionPage, error) {
	if q.Kind != nil && !q.Kind.Valid() {
		return TransactionPage{}, generic.Invalid("kind", "unknown transaction kind %q", *q.Kind)
	}
	if q.Page < 0 || q.PageSize < 0 {
		return TransactionPage{}, generic.Invalid("page", "page and page size must not be negative")
	}
	page := TransactionPage{Page: q.Page, PageSize: q.PageSize}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.PageSize == 0 {
		page.PageSize = DefaultPageSize
	}
	if page.PageSize > MaxPageSize {
		page.PageSize = MaxPageSize
	}

	filter := generic.TransactionFilter{
		SalespersonID: q.SalespersonID,
		PeriodID:      q.PeriodID,
		SaleID:        q.SaleID,
		Kind:          q.Kind,
	}
	err := a.Store.View(ctx, func(st Store) error {
		total, err := st.Count(ctx, filter)
		if err != nil {
			return err
		}
		filter.Limit = page.PageSize
		filter.Offset = (page.Page - 1) * page.PageSize
		items, err := st.List(ctx, filter)
		if err != nil {
			return err
		}
		page.Total, page.Items = total, items
		return nil
	})
	return page, err
}

type DeductionQuery struct {
	PeriodID       *generic.PeriodID
	SalespersonID  *generic.SalespersonID
	SaleID         *generic.SaleID
	State          *generic.DeductionState
	IncludeMarkers bool
}

// Deductions returns deduction rows only.
func (a *EarningsAggregator) Deductions(ctx context.Context, q DeductionQuery) ([]generic.Transaction, error) {
	kind := generic.KindDeduction
	filter := generic.TransactionFilter{
		SalespersonID: q.SalespersonID,
		PeriodID:      q.PeriodID,
		SaleID:        q.SaleID,
		Kind:          &kind,
		State:         q.State,
	}
	var out []generic.Transaction
	err := a.Store.View(ctx, func(st Store) error {
		rows, err := st.List(ctx, filter)
		if err != nil {
			return err
		}
		for _, tx := range rows {
			if tx.CarriedForward && !q.IncludeMarkers {
				continue
			}
			out = append(out, tx)
		}
		return nil
	})
	return out, err
}

// Sale returns one sale with its modification history.
func (a *EarningsAggregator) Sale(ctx context.Context, id generic.SaleID) (Sale, error) {
	var out Sale
	err := a.Store.View(ctx, func(st Store) error {
		var err error
		out, err = st.GetSale(ctx, id)
		return err
	})
	return out, err
}

// Sales lists sales matching filter.
func (a *EarningsAggregator) Sales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	var out []Sale
	err := a.Store.View(ctx, func(st Store) error {
		var err error
		out, err = st.ListSales(ctx, filter)
		return err
	})
	return out, err
}
