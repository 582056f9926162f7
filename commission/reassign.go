package commission

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// PERIOD REASSIGNER - Administrative period moves
// =============================================================================

// PeriodReassigner moves a single transaction to another period. Only the
// period column changes; amount, kind and state are untouched. The move is
// one store transaction, so a concurrent aggregation sees the row in exactly
// one period.
type PeriodReassigner struct {
	Store  TxStore
	Now    func() time.Time
	Logger *slog.Logger
}

func NewPeriodReassigner(store TxStore) *PeriodReassigner {
	return &PeriodReassigner{Store: store}
}

type ReassignResult struct {
	Transaction  generic.Transaction
	Changed      bool
	FromPeriodID generic.PeriodID
	ToPeriodID   generic.PeriodID
}

func (r *PeriodReassigner) Reassign(ctx context.Context, id generic.TransactionID, to generic.PeriodID, actor Actor) (ReassignResult, error) {
	if err := requireAdmin(actor, "reassign transaction periods"); err != nil {
		return ReassignResult{}, err
	}
	if to == "" {
		return ReassignResult{}, generic.Invalid("period_id", "target period is required")
	}

	var res ReassignResult
	err := r.Store.WithTx(ctx, func(st Store) error {
		tx, err := st.Get(ctx, id)
		if err != nil {
			return err
		}
		target, err := st.GetPeriod(ctx, to)
		if err != nil {
			return err
		}
		res = ReassignResult{Transaction: tx, FromPeriodID: tx.PeriodID, ToPeriodID: to}
		if tx.PeriodID == to {
			return nil
		}
		if target.Archived() {
			return &generic.ConflictError{Resource: "period", ID: string(to), Reason: "period is archived"}
		}
		if tx.CarriedForward {
			return &generic.ConflictError{Resource: "transaction", ID: string(id), Reason: "carry-forward markers follow their deduction"}
		}

		moved, err := st.UpdatePeriod(ctx, tx.ID, tx.Version, to)
		if err != nil {
			return asConflict(err, "transaction", string(tx.ID))
		}
		res.Transaction, res.Changed = moved, true

		now := nowOr(r.Now)
		return recordAudit(ctx, st, now, actor, generic.AuditPeriodReassigned, string(tx.ID), map[string]any{
			"from": string(res.FromPeriodID),
			"to":   string(to),
		})
	})
	if err != nil {
		return ReassignResult{}, err
	}

	if res.Changed {
		loggerOr(r.Logger).InfoContext(ctx, "transaction reassigned",
			"transaction_id", id, "from", res.FromPeriodID, "to", res.ToPeriodID, "actor", actor.ID)
	}
	return res, nil
}
