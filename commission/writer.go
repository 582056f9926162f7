/*
writer.go - Sale lifecycle events → ledger rows

PURPOSE:
  LedgerWriter reacts to the events the sales module reports. Each event is
  one unit of work: the sale update, the ledger rows it produces and the
  audit entry commit together or not at all.

EVENTS:
  OnCreate:   earn for the computed commission (skipped when zero)
  OnModify:   history entry + signed delta row
              (paid sale with a lower commission → pending deduction)
  OnCancel:   paid sale → pending deduction of the commission still held
              unpaid sale → nothing, its earn stops being payable
  OnRestore:  pending cancellation deduction → cancelled
              approved cancellation deduction → compensating earn
  OnTransfer: transfer_out + transfer_in pair, sale changes owner
  MarkPaid:   unpaid → paid

IDEMPOTENCY KEYS:
  create:<sale>                 modify:<sale>:<n>
  cancel:<sale>:<n>             restore:<sale>:<n>
  transfer:<sale>:<n>:out|in

FAILURE:
  Unknown sale, kind or period, a missing rate or a store error aborts the
  unit. No row with a guessed amount is ever written.

SEE ALSO:
  - calculator.go: Commission formula
  - deduction.go: What happens to the pending deductions written here
*/
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// EVENTS
// =============================================================================

type SaleCreated struct {
	SaleID         generic.SaleID // optional, generated when empty
	ContractNumber string
	CustomerName   string
	Kind           SaleKindKey
	Prices         PriceSnapshot
	SalespersonID  generic.SalespersonID
	PeriodID       generic.PeriodID // optional, derived from SaleDate when empty
	SaleDate       time.Time
	Actor          Actor
}

type SaleModified struct {
	SaleID generic.SaleID
	Prices PriceSnapshot
	Reason string
	Actor  Actor
}

type SaleCancelled struct {
	SaleID generic.SaleID
	Reason string
	At     time.Time // defaults to now
	Actor  Actor
}

type SaleRestored struct {
	SaleID generic.SaleID
	At     time.Time // defaults to now
	Actor  Actor
}

type SaleTransferred struct {
	SaleID generic.SaleID
	From   generic.SalespersonID
	To     generic.SalespersonID
	Actor  Actor
}

// EventResult is the sale after the event and the rows it produced.
type EventResult struct {
	Sale         Sale
	Transactions []generic.Transaction
}

// =============================================================================
// LEDGER WRITER
// =============================================================================

type LedgerWriter struct {
	Store TxStore

	// Rates resolves the rate of new sales. Nil uses the stored rate history.
	Rates RateProvider

	Now    func() time.Time
	Logger *slog.Logger
}

func NewLedgerWriter(store TxStore) *LedgerWriter {
	return &LedgerWriter{Store: store}
}

func (w *LedgerWriter) rates(st Store) RateProvider {
	if w.Rates != nil {
		return w.Rates
	}
	return RateSchedule{Store: st}
}

// OnCreate persists a new sale and its initial earn.
func (w *LedgerWriter) OnCreate(ctx context.Context, ev SaleCreated) (EventResult, error) {
	if ev.SalespersonID == "" {
		return EventResult{}, generic.Invalid("salesperson_id", "sale needs a salesperson")
	}
	if ev.SaleDate.IsZero() {
		return EventResult{}, generic.Invalid("sale_date", "sale needs a date")
	}
	prices := ev.Prices.Normalize()
	if err := prices.Validate(); err != nil {
		return EventResult{}, err
	}

	var res EventResult
	err := w.Store.WithTx(ctx, func(st Store) error {
		kind, err := LookupKind(ctx, st, ev.Kind)
		if err != nil {
			return err
		}
		if err := kind.CheckRequired(ev); err != nil {
			return err
		}
		period, err := periodForSale(ctx, st, ev.PeriodID, ev.SaleDate)
		if err != nil {
			return err
		}
		if period.Archived() {
			return &generic.ConflictError{Resource: "period", ID: string(period.ID), Reason: "period is archived"}
		}

		rate := decimal.Zero
		if kind.Commissionable {
			rate, err = w.rates(st).RateAt(ctx, ev.SaleDate)
			if err != nil {
				return err
			}
		}

		now := nowOr(w.Now)
		sale := Sale{
			ID:             ev.SaleID,
			ContractNumber: strings.TrimSpace(ev.ContractNumber),
			CustomerName:   strings.TrimSpace(ev.CustomerName),
			Kind:           kind.Key,
			Prices:         prices,
			Status:         SaleStatusActive,
			PrimStatus:     PrimUnpaid,
			SalespersonID:  ev.SalespersonID,
			PeriodID:       period.ID,
			SaleDate:       generic.Day(ev.SaleDate),
			Rate:           rate,
			Commission:     Compute(kind, prices, rate),
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if sale.ID == "" {
			sale.ID = generic.SaleID(uuid.NewString())
		}
		if err := st.CreateSale(ctx, sale); err != nil {
			return err
		}

		if sale.Commission.IsPositive() {
			tx := generic.Transaction{
				ID:             newTransactionID(),
				SalespersonID:  sale.SalespersonID,
				PeriodID:       sale.PeriodID,
				SaleID:         sale.ID,
				Kind:           generic.KindEarn,
				Amount:         sale.Commission,
				Description:    fmt.Sprintf("commission for sale %s", describeSale(sale)),
				Origin:         generic.OriginSaleCreated,
				Rate:           rate,
				IdempotencyKey: "create:" + string(sale.ID),
				Version:        1,
				CreatedBy:      ev.Actor.ID,
				CreatedAt:      now,
			}
			if err := generic.NewLedger(st).Append(ctx, tx); err != nil {
				return err
			}
			res.Transactions = append(res.Transactions, tx)
		}

		res.Sale = sale
		return recordAudit(ctx, st, now, ev.Actor, generic.AuditSaleCreated, string(sale.ID), map[string]any{
			"kind":       string(sale.Kind),
			"period_id":  string(sale.PeriodID),
			"rate":       rate.String(),
			"commission": sale.Commission.String(),
		})
	})
	if err != nil {
		return EventResult{}, err
	}

	loggerOr(w.Logger).InfoContext(ctx, "sale created",
		"sale_id", res.Sale.ID, "salesperson_id", res.Sale.SalespersonID,
		"period_id", res.Sale.PeriodID, "commission", res.Sale.Commission.String())
	return res, nil
}

// OnModify records a price change. The reason is mandatory.
func (w *LedgerWriter) OnModify(ctx context.Context, ev SaleModified) (EventResult, error) {
	if strings.TrimSpace(ev.Reason) == "" {
		return EventResult{}, generic.Invalid("reason", "a modification needs a reason")
	}
	next := ev.Prices.Normalize()
	if err := next.Validate(); err != nil {
		return EventResult{}, err
	}

	var res EventResult
	err := w.Store.WithTx(ctx, func(st Store) error {
		sale, err := st.GetSale(ctx, ev.SaleID)
		if err != nil {
			return err
		}
		if !sale.Active() {
			return &generic.ConflictError{Resource: "sale", ID: string(sale.ID), Reason: "cancelled sales cannot be modified"}
		}
		kind, err := LookupKind(ctx, st, sale.Kind)
		if err != nil {
			return err
		}

		now := nowOr(w.Now)
		previous := sale.Commission
		updated := Compute(kind, next, sale.Rate)
		delta := updated.Sub(previous)

		mod := Modification{
			PreviousPrices:     sale.Prices,
			NewPrices:          next,
			PreviousCommission: previous,
			NewCommission:      updated,
			CommissionDelta:    delta,
			Reason:             strings.TrimSpace(ev.Reason),
			Actor:              ev.Actor.ID,
			At:                 now,
		}

		if !delta.IsZero() {
			tx := generic.Transaction{
				ID:             newTransactionID(),
				SalespersonID:  sale.SalespersonID,
				PeriodID:       sale.PeriodID,
				SaleID:         sale.ID,
				Kind:           generic.KindEarn,
				Amount:         delta,
				Description:    fmt.Sprintf("commission change for sale %s: %s", describeSale(sale), mod.Reason),
				Origin:         generic.OriginSaleModified,
				Rate:           sale.Rate,
				IdempotencyKey: fmt.Sprintf("modify:%s:%d", sale.ID, len(sale.History)+1),
				Version:        1,
				CreatedBy:      ev.Actor.ID,
				CreatedAt:      now,
			}
			// Commission already paid out is clawed back through approval.
			if sale.Paid() && delta.IsNegative() {
				tx.Kind = generic.KindDeduction
				tx.DeductionState = generic.DeductionPending
			}
			if err := generic.NewLedger(st).Append(ctx, tx); err != nil {
				return err
			}
			mod.LinkedTransactionID = tx.ID
			res.Transactions = append(res.Transactions, tx)
		}

		if err := st.AppendModification(ctx, sale.ID, mod); err != nil {
			return err
		}
		expected := sale.Version
		sale.Prices = next
		sale.Commission = updated
		sale.UpdatedAt = now
		sale, err = st.UpdateSale(ctx, sale, expected)
		if err != nil {
			return err
		}
		res.Sale = sale

		return recordAudit(ctx, st, now, ev.Actor, generic.AuditSaleModified, string(sale.ID), map[string]any{
			"reason":         mod.Reason,
			"delta":          delta.String(),
			"transaction_id": string(mod.LinkedTransactionID),
		})
	})
	if err != nil {
		return EventResult{}, err
	}

	loggerOr(w.Logger).InfoContext(ctx, "sale modified",
		"sale_id", res.Sale.ID, "commission", res.Sale.Commission.String(), "rows", len(res.Transactions))
	return res, nil
}

// OnCancel cancels an active sale. A paid sale gets a pending deduction of
// the commission its owner still holds for it.
func (w *LedgerWriter) OnCancel(ctx context.Context, ev SaleCancelled) (EventResult, error) {
	var res EventResult
	err := w.Store.WithTx(ctx, func(st Store) error {
		sale, err := st.GetSale(ctx, ev.SaleID)
		if err != nil {
			return err
		}
		if !sale.Active() {
			return &generic.ConflictError{Resource: "sale", ID: string(sale.ID), Reason: "sale is already cancelled"}
		}

		now := nowOr(w.Now)
		at := ev.At
		if at.IsZero() {
			at = now
		}
		expected := sale.Version
		sale.Status = SaleStatusCancelled
		sale.CancelCount++
		sale.CancellationTxID = ""
		sale.UpdatedAt = now

		if sale.Paid() {
			held, err := heldCommission(ctx, st, sale)
			if err != nil {
				return err
			}
			if held.IsPositive() {
				period, err := periodForEvent(ctx, st, at, sale.PeriodID)
				if err != nil {
					return err
				}
				desc := fmt.Sprintf("cancellation of paid sale %s", describeSale(sale))
				if r := strings.TrimSpace(ev.Reason); r != "" {
					desc += ": " + r
				}
				tx := generic.Transaction{
					ID:             newTransactionID(),
					SalespersonID:  sale.SalespersonID,
					PeriodID:       period,
					SaleID:         sale.ID,
					Kind:           generic.KindDeduction,
					Amount:         held.Neg(),
					Description:    desc,
					Origin:         generic.OriginSaleCancelled,
					Rate:           sale.Rate,
					DeductionState: generic.DeductionPending,
					IdempotencyKey: fmt.Sprintf("cancel:%s:%d", sale.ID, sale.CancelCount),
					Version:        1,
					CreatedBy:      ev.Actor.ID,
					CreatedAt:      now,
				}
				if err := generic.NewLedger(st).Append(ctx, tx); err != nil {
					return err
				}
				sale.CancellationTxID = tx.ID
				res.Transactions = append(res.Transactions, tx)
			}
		}

		sale, err = st.UpdateSale(ctx, sale, expected)
		if err != nil {
			return err
		}
		res.Sale = sale
		return recordAudit(ctx, st, now, ev.Actor, generic.AuditSaleCancelled, string(sale.ID), map[string]any{
			"reason":       ev.Reason,
			"paid":         sale.Paid(),
			"deduction_id": string(sale.CancellationTxID),
		})
	})
	if err != nil {
		return EventResult{}, err
	}

	loggerOr(w.Logger).InfoContext(ctx, "sale cancelled",
		"sale_id", res.Sale.ID, "paid", res.Sale.Paid(), "deduction_id", res.Sale.CancellationTxID)
	return res, nil
}

// OnRestore reactivates a cancelled sale and neutralizes its cancellation
// deduction without editing it.
func (w *LedgerWriter) OnRestore(ctx context.Context, ev SaleRestored) (EventResult, error) {
	var res EventResult
	err := w.Store.WithTx(ctx, func(st Store) error {
		sale, err := st.GetSale(ctx, ev.SaleID)
		if err != nil {
			return err
		}
		if sale.Active() {
			return &generic.ConflictError{Resource: "sale", ID: string(sale.ID), Reason: "sale is not cancelled"}
		}

		now := nowOr(w.Now)
		at := ev.At
		if at.IsZero() {
			at = now
		}

		if sale.CancellationTxID != "" {
			ded, err := st.Get(ctx, sale.CancellationTxID)
			if err != nil {
				return err
			}
			switch ded.DeductionState {
			case generic.DeductionPending:
				change := generic.StateChange{State: generic.DeductionCancelled, Actor: ev.Actor.ID, At: now, Note: "sale restored"}
				if _, err := transitionDeduction(ctx, st, ded, change); err != nil {
					return err
				}
			case generic.DeductionApproved:
				period, err := periodForEvent(ctx, st, at, sale.PeriodID)
				if err != nil {
					return err
				}
				tx := generic.Transaction{
					ID:             newTransactionID(),
					SalespersonID:  ded.SalespersonID,
					PeriodID:       period,
					SaleID:         sale.ID,
					Kind:           generic.KindEarn,
					Amount:         ded.Amount.Neg(),
					Description:    fmt.Sprintf("restoration of sale %s offsets deduction %s", describeSale(sale), ded.ID),
					Origin:         generic.OriginSaleRestored,
					Rate:           sale.Rate,
					IdempotencyKey: fmt.Sprintf("restore:%s:%d", sale.ID, sale.CancelCount),
					Version:        1,
					CreatedBy:      ev.Actor.ID,
					CreatedAt:      now,
				}
				if err := generic.NewLedger(st).Append(ctx, tx); err != nil {
					return err
				}
				res.Transactions = append(res.Transactions, tx)
			}
		}

		expected := sale.Version
		sale.Status = SaleStatusActive
		sale.CancellationTxID = ""
		sale.UpdatedAt = now
		sale, err = st.UpdateSale(ctx, sale, expected)
		if err != nil {
			return err
		}
		res.Sale = sale
		return recordAudit(ctx, st, now, ev.Actor, generic.AuditSaleRestored, string(sale.ID), map[string]any{
			"compensations": len(res.Transactions),
		})
	})
	if err != nil {
		return EventResult{}, err
	}

	loggerOr(w.Logger).InfoContext(ctx, "sale restored", "sale_id", res.Sale.ID, "rows", len(res.Transactions))
	return res, nil
}

// OnTransfer hands a sale and its commission to another salesperson.
func (w *LedgerWriter) OnTransfer(ctx context.Context, ev SaleTransferred) (EventResult, error) {
	if ev.To == "" {
		return EventResult{}, generic.Invalid("to", "transfer needs a receiving salesperson")
	}
	if ev.From == ev.To {
		return EventResult{}, &generic.ConflictError{Resource: "sale", ID: string(ev.SaleID), Reason: "source and destination salesperson are the same"}
	}

	var res EventResult
	err := w.Store.WithTx(ctx, func(st Store) error {
		sale, err := st.GetSale(ctx, ev.SaleID)
		if err != nil {
			return err
		}
		if !sale.Active() {
			return &generic.ConflictError{Resource: "sale", ID: string(sale.ID), Reason: "cancelled sales cannot be transferred"}
		}
		if sale.SalespersonID != ev.From {
			return &generic.ConflictError{Resource: "sale", ID: string(sale.ID), Reason: fmt.Sprintf("sale belongs to %s, not %s", sale.SalespersonID, ev.From)}
		}

		now := nowOr(w.Now)
		held, err := heldCommission(ctx, st, sale)
		if err != nil {
			return err
		}
		if held.IsPositive() {
			kind := generic.KindTransferOut
			saleID := sale.ID
			n, err := st.Count(ctx, generic.TransactionFilter{SaleID: &saleID, Kind: &kind})
			if err != nil {
				return err
			}
			key := fmt.Sprintf("transfer:%s:%d", sale.ID, n+1)
			out := generic.Transaction{
				ID:             newTransactionID(),
				SalespersonID:  ev.From,
				PeriodID:       sale.PeriodID,
				SaleID:         sale.ID,
				Kind:           generic.KindTransferOut,
				Amount:         held.Neg(),
				Description:    fmt.Sprintf("sale %s transferred to %s", describeSale(sale), ev.To),
				Origin:         generic.OriginSaleTransferred,
				Rate:           sale.Rate,
				IdempotencyKey: key + ":out",
				Version:        1,
				CreatedBy:      ev.Actor.ID,
				CreatedAt:      now,
			}
			in := out
			in.ID = newTransactionID()
			in.SalespersonID = ev.To
			in.Kind = generic.KindTransferIn
			in.Amount = held
			in.Description = fmt.Sprintf("sale %s transferred from %s", describeSale(sale), ev.From)
			in.IdempotencyKey = key + ":in"

			if err := generic.NewLedger(st).AppendTransfer(ctx, out, in); err != nil {
				return err
			}
			res.Transactions = append(res.Transactions, out, in)
		}

		expected := sale.Version
		sale.SalespersonID = ev.To
		sale.UpdatedAt = now
		sale, err = st.UpdateSale(ctx, sale, expected)
		if err != nil {
			return err
		}
		res.Sale = sale
		return recordAudit(ctx, st, now, ev.Actor, generic.AuditSaleTransferred, string(sale.ID), map[string]any{
			"from":   string(ev.From),
			"to":     string(ev.To),
			"amount": held.String(),
		})
	})
	if err != nil {
		return EventResult{}, err
	}

	loggerOr(w.Logger).InfoContext(ctx, "sale transferred",
		"sale_id", res.Sale.ID, "from", ev.From, "to", ev.To)
	return res, nil
}

// MarkPaid records that the commission of an active sale was paid out.
func (w *LedgerWriter) MarkPaid(ctx context.Context, saleID generic.SaleID, actor Actor) (Sale, error) {
	if err := requireAdmin(actor, "mark commissions paid"); err != nil {
		return Sale{}, err
	}
	var out Sale
	err := w.Store.WithTx(ctx, func(st Store) error {
		sale, err := st.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if !sale.Active() {
			return &generic.ConflictError{Resource: "sale", ID: string(sale.ID), Reason: "cancelled sales cannot be paid"}
		}
		if sale.Paid() {
			return &generic.ConflictError{Resource: "sale", ID: string(sale.ID), Reason: "commission is already paid"}
		}
		now := nowOr(w.Now)
		expected := sale.Version
		sale.PrimStatus = PrimPaid
		sale.PaidAt = &now
		sale.UpdatedAt = now
		out, err = st.UpdateSale(ctx, sale, expected)
		if err != nil {
			return err
		}
		return recordAudit(ctx, st, now, actor, generic.AuditSalePaid, string(sale.ID), map[string]any{
			"commission": sale.Commission.String(),
		})
	})
	return out, err
}

// =============================================================================
// HELPERS
// =============================================================================

// heldCommission is what the sale's current owner still holds for it: every
// non-marker row of (sale, owner) except deductions that were cancelled.
func heldCommission(ctx context.Context, st Store, sale Sale) (generic.Amount, error) {
	saleID, owner := sale.ID, sale.SalespersonID
	rows, err := st.List(ctx, generic.TransactionFilter{SaleID: &saleID, SalespersonID: &owner})
	if err != nil {
		return generic.Amount{}, fmt.Errorf("load rows of sale %s: %w", sale.ID, err)
	}
	held := generic.ZeroAmount()
	for _, tx := range rows {
		if tx.CarriedForward {
			continue
		}
		if tx.Kind == generic.KindDeduction && tx.DeductionState == generic.DeductionCancelled {
			continue
		}
		held = held.Add(tx.Amount)
	}
	return held, nil
}

func describeSale(s Sale) string {
	if s.ContractNumber != "" {
		return s.ContractNumber
	}
	return string(s.ID)
}
