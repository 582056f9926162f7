/*
deduction.go - Two-phase deduction workflow

PURPOSE:
  A deduction (kesinti) never reduces earnings when it is written. It waits
  in pending until an administrator approves it (the only action that makes
  it count) or cancels it (kept for audit, no financial effect).

STATE MACHINE:
  pending → approved   (terminal)
  pending → cancelled  (terminal)
  Re-approving or re-cancelling is a conflict, not a silent success, so the
  audit trail always names who made the effective change.

CARRY-FORWARD:
  A deduction still pending when a later period opens is re-surfaced in that
  period. Earnings count it by reference to the original row. CarryForward
  additionally materializes one marker row per (deduction, period) so the
  later period's ledger listing shows it; the idempotency key
  carry:<root>:<period> guarantees at most one. Markers mirror their root:
  approving or cancelling either one resolves both.

DUPLICATE CLEANUP:
  Legacy imports and replays can leave more than one live pending row for
  the same underlying cancellation. CleanupDuplicates groups live pending
  deductions with a DuplicateRule, keeps the earliest row of each group and
  cancels the rest, reporting how much was reclaimed.

SEE ALSO:
  - writer.go: Where pending deductions come from
  - earnings.go: How each state is reported
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// DEDUCTION WORKFLOW
// =============================================================================

type DeductionWorkflow struct {
	Store  TxStore
	Now    func() time.Time
	Logger *slog.Logger
}

func NewDeductionWorkflow(store TxStore) *DeductionWorkflow {
	return &DeductionWorkflow{Store: store}
}

// Approve makes a pending deduction count against earnings.
func (d *DeductionWorkflow) Approve(ctx context.Context, id generic.TransactionID, actor Actor) (generic.Transaction, error) {
	return d.resolve(ctx, id, actor, generic.DeductionApproved, "")
}

// Cancel drops a pending deduction. The row stays for audit.
func (d *DeductionWorkflow) Cancel(ctx context.Context, id generic.TransactionID, actor Actor, reason string) (generic.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return generic.Transaction{}, generic.Invalid("reason", "cancelling a deduction needs a reason")
	}
	return d.resolve(ctx, id, actor, generic.DeductionCancelled, strings.TrimSpace(reason))
}

func (d *DeductionWorkflow) resolve(ctx context.Context, id generic.TransactionID, actor Actor, state generic.DeductionState, note string) (generic.Transaction, error) {
	verb := "approve"
	action := generic.AuditDeductionApproved
	if state == generic.DeductionCancelled {
		verb, action = "cancel", generic.AuditDeductionCancelled
	}
	if err := requireAdmin(actor, verb+" deductions"); err != nil {
		return generic.Transaction{}, err
	}

	var out generic.Transaction
	err := d.Store.WithTx(ctx, func(st Store) error {
		target, err := st.Get(ctx, id)
		if err != nil {
			return err
		}
		if target.Kind != generic.KindDeduction {
			return &generic.ConflictError{Resource: "transaction", ID: string(id), Reason: fmt.Sprintf("%s is not a deduction", target.Kind)}
		}
		root := target
		if target.CarriedForward {
			if root, err = st.Get(ctx, target.CarriedFromID); err != nil {
				return err
			}
		}

		now := nowOr(d.Now)
		out, err = transitionDeduction(ctx, st, root, generic.StateChange{State: state, Actor: actor.ID, At: now, Note: note})
		if err != nil {
			return err
		}
		return recordAudit(ctx, st, now, actor, action, string(root.ID), map[string]any{
			"amount": out.Amount.String(),
			"target": string(id),
			"note":   note,
		})
	})
	if err != nil {
		return generic.Transaction{}, err
	}

	loggerOr(d.Logger).InfoContext(ctx, "deduction resolved",
		"deduction_id", out.ID, "state", out.DeductionState, "actor", actor.ID, "amount", out.Amount.String())
	return out, nil
}

// transitionDeduction moves a root deduction and its live markers out of
// pending. A version mismatch surfaces as a ConflictError.
func transitionDeduction(ctx context.Context, st Store, root generic.Transaction, change generic.StateChange) (generic.Transaction, error) {
	if root.DeductionState != generic.DeductionPending {
		return generic.Transaction{}, &generic.ConflictError{
			Resource: "deduction",
			ID:       string(root.ID),
			Reason:   fmt.Sprintf("deduction is %s, only pending deductions can move", root.DeductionState),
		}
	}
	updated, err := st.UpdateDeductionState(ctx, root.ID, root.Version, change)
	if err != nil {
		return generic.Transaction{}, asConflict(err, "deduction", string(root.ID))
	}

	markers, err := generic.NewLedger(st).Markers(ctx, root.ID)
	if err != nil {
		return generic.Transaction{}, err
	}
	for _, m := range markers {
		if m.DeductionState != generic.DeductionPending {
			continue
		}
		if _, err := st.UpdateDeductionState(ctx, m.ID, m.Version, change); err != nil {
			return generic.Transaction{}, asConflict(err, "deduction", string(m.ID))
		}
	}
	return updated, nil
}

func asConflict(err error, resource, id string) error {
	if errors.Is(err, generic.ErrConcurrentModification) {
		return &generic.ConflictError{Resource: resource, ID: id, Reason: "modified concurrently", Cause: err}
	}
	return err
}

// =============================================================================
// CARRY-FORWARD
// =============================================================================

type CarryForwardResult struct {
	PeriodID generic.PeriodID
	Written  []generic.Transaction
	Existing int // markers already present from an earlier run
}

// CarryForward re-surfaces every live pending deduction from periods that
// start before toPeriodID as a marker row in toPeriodID. Running it twice
// writes nothing the second time.
func (d *DeductionWorkflow) CarryForward(ctx context.Context, toPeriodID generic.PeriodID, actor Actor) (CarryForwardResult, error) {
	if err := requireAdmin(actor, "carry deductions forward"); err != nil {
		return CarryForwardResult{}, err
	}

	res := CarryForwardResult{PeriodID: toPeriodID}
	err := d.Store.WithTx(ctx, func(st Store) error {
		target, err := st.GetPeriod(ctx, toPeriodID)
		if err != nil {
			return err
		}
		if target.Archived() {
			return &generic.ConflictError{Resource: "period", ID: string(toPeriodID), Reason: "period is archived"}
		}
		periods, err := periodIndex(ctx, st)
		if err != nil {
			return err
		}
		roots, err := livePendingRoots(ctx, st)
		if err != nil {
			return err
		}

		now := nowOr(d.Now)
		ledger := generic.NewLedger(st)
		for _, root := range roots {
			origin, ok := periods[root.PeriodID]
			if !ok || !origin.Before(target) {
				continue
			}
			key := fmt.Sprintf("carry:%s:%s", root.ID, toPeriodID)
			exists, err := st.Exists(ctx, key)
			if err != nil {
				return err
			}
			if exists {
				res.Existing++
				continue
			}
			marker := generic.Transaction{
				ID:             newTransactionID(),
				SalespersonID:  root.SalespersonID,
				PeriodID:       toPeriodID,
				SaleID:         root.SaleID,
				Kind:           generic.KindDeduction,
				Amount:         root.Amount,
				Description:    fmt.Sprintf("carried forward from %s: %s", root.PeriodID, root.Description),
				Origin:         generic.OriginCarryForward,
				Rate:           root.Rate,
				DeductionState: generic.DeductionPending,
				CarriedForward: true,
				CarriedFromID:  root.ID,
				IdempotencyKey: key,
				Version:        1,
				CreatedBy:      actor.ID,
				CreatedAt:      now,
			}
			if err := ledger.Append(ctx, marker); err != nil {
				return err
			}
			res.Written = append(res.Written, marker)
		}

		if len(res.Written) == 0 {
			return nil
		}
		return recordAudit(ctx, st, now, actor, generic.AuditCarryForward, string(toPeriodID), map[string]any{
			"written":  len(res.Written),
			"existing": res.Existing,
		})
	})
	if err != nil {
		return CarryForwardResult{}, err
	}

	loggerOr(d.Logger).InfoContext(ctx, "carry-forward complete",
		"period_id", toPeriodID, "written", len(res.Written), "existing", res.Existing)
	return res, nil
}

// =============================================================================
// DUPLICATE CLEANUP
// =============================================================================

// DuplicateRule decides which live pending deductions describe the same
// underlying event.
type DuplicateRule string

const (
	// BySaleAndAmount groups cancellation deductions by salesperson, sale and
	// magnitude. A sale holds at most one live cancellation clawback, so
	// anything beyond the first is a re-import. Modification clawbacks are
	// distinct events and never grouped.
	BySaleAndAmount DuplicateRule = "sale_amount"
	// BySaleAndCarryMarker groups carry-forward markers by the root they
	// reference and the period they were surfaced in.
	BySaleAndCarryMarker DuplicateRule = "sale_carry_marker"
)

func ParseDuplicateRule(s string) (DuplicateRule, error) {
	switch DuplicateRule(s) {
	case "", BySaleAndAmount:
		return BySaleAndAmount, nil
	case BySaleAndCarryMarker:
		return BySaleAndCarryMarker, nil
	}
	return "", generic.Invalid("rule", "unknown duplicate rule %q", s)
}

// key returns the group of tx under the rule, or false when the rule does
// not consider tx at all.
func (r DuplicateRule) key(tx generic.Transaction) (string, bool) {
	if !tx.IsLivePendingDeduction() || tx.SaleID == "" {
		return "", false
	}
	switch r {
	case BySaleAndCarryMarker:
		if !tx.CarriedForward || tx.CarriedFromID == "" {
			return "", false
		}
		return fmt.Sprintf("%s|%s", tx.CarriedFromID, tx.PeriodID), true
	default:
		if tx.CarriedForward || tx.Origin != generic.OriginSaleCancelled {
			return "", false
		}
		return fmt.Sprintf("%s|%s|%s", tx.SalespersonID, tx.SaleID, tx.Amount.Abs()), true
	}
}

type CleanupResult struct {
	Rule        DuplicateRule
	Count       int
	TotalAmount generic.Amount // magnitude reclaimed
	Cancelled   []generic.TransactionID
}

// CleanupDuplicates keeps the earliest row of every duplicate group and
// cancels the others (with their markers).
func (d *DeductionWorkflow) CleanupDuplicates(ctx context.Context, actor Actor, rule DuplicateRule) (CleanupResult, error) {
	if err := requireAdmin(actor, "clean up duplicate deductions"); err != nil {
		return CleanupResult{}, err
	}
	rule, err := ParseDuplicateRule(string(rule))
	if err != nil {
		return CleanupResult{}, err
	}

	res := CleanupResult{Rule: rule, TotalAmount: generic.ZeroAmount()}
	err = d.Store.WithTx(ctx, func(st Store) error {
		kind := generic.KindDeduction
		state := generic.DeductionPending
		rows, err := st.List(ctx, generic.TransactionFilter{Kind: &kind, State: &state})
		if err != nil {
			return err
		}

		now := nowOr(d.Now)
		kept := make(map[string]generic.TransactionID)
		for _, tx := range rows {
			k, ok := rule.key(tx)
			if !ok {
				continue
			}
			first, seen := kept[k]
			if !seen {
				kept[k] = tx.ID
				continue
			}

			// Re-read: cancelling an earlier duplicate may have cascaded here.
			current, err := st.Get(ctx, tx.ID)
			if err != nil {
				return err
			}
			if current.DeductionState != generic.DeductionPending {
				continue
			}
			change := generic.StateChange{
				State: generic.DeductionCancelled,
				Actor: actor.ID,
				At:    now,
				Note:  fmt.Sprintf("duplicate of %s", first),
			}
			if current.CarriedForward {
				if _, err := st.UpdateDeductionState(ctx, current.ID, current.Version, change); err != nil {
					return asConflict(err, "deduction", string(current.ID))
				}
			} else if _, err := transitionDeduction(ctx, st, current, change); err != nil {
				return err
			}
			res.Count++
			res.TotalAmount = res.TotalAmount.Add(current.Amount.Abs())
			res.Cancelled = append(res.Cancelled, current.ID)
		}

		if res.Count == 0 {
			return nil
		}
		return recordAudit(ctx, st, now, actor, generic.AuditDuplicateCleanup, string(rule), map[string]any{
			"count":     res.Count,
			"total":     res.TotalAmount.String(),
			"cancelled": res.Cancelled,
		})
	})
	if err != nil {
		return CleanupResult{}, err
	}

	loggerOr(d.Logger).InfoContext(ctx, "duplicate deductions cleaned up",
		"rule", rule, "count", res.Count, "total", res.TotalAmount.String())
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func livePendingRoots(ctx context.Context, st Store) ([]generic.Transaction, error) {
	kind := generic.KindDeduction
	state := generic.DeductionPending
	rows, err := st.List(ctx, generic.TransactionFilter{Kind: &kind, State: &state})
	if err != nil {
		return nil, fmt.Errorf("load pending deductions: %w", err)
	}
	roots := rows[:0]
	for _, tx := range rows {
		if !tx.CarriedForward {
			roots = append(roots, tx)
		}
	}
	return roots, nil
}

func periodIndex(ctx context.Context, st Store) (map[generic.PeriodID]generic.Period, error) {
	periods, err := st.ListPeriods(ctx)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	idx := make(map[generic.PeriodID]generic.Period, len(periods))
	for _, p := range periods {
		idx[p.ID] = p
	}
	return idx, nil
}
