package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SHARED SERVICE PLUMBING
// =============================================================================

func newTransactionID() generic.TransactionID { return generic.TransactionID(uuid.NewString()) }

func nowOr(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// recordAudit appends an audit entry inside the caller's unit of work, so
// the entry commits or rolls back with the change it describes.
func recordAudit(ctx context.Context, st Store, at time.Time, actor Actor, action generic.AuditAction, subject string, payload map[string]any) error {
	err := st.AppendAudit(ctx, generic.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: at,
		ActorID:   actor.ID,
		Action:    action,
		SubjectID: subject,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// AuditTrail exposes the audit log to administrators.
type AuditTrail struct {
	Store TxStore
}

func (a *AuditTrail) Query(ctx context.Context, actor Actor, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	if err := requireAdmin(actor, "read the audit log"); err != nil {
		return nil, err
	}
	var out []generic.AuditEntry
	err := a.Store.View(ctx, func(st Store) error {
		var err error
		out, err = st.QueryAudit(ctx, filter)
		return err
	})
	return out, err
}

// =============================================================================
// PERIOD RESOLUTION
// =============================================================================

// periodForSale resolves the period a new sale is assigned to: the explicit
// id when given, otherwise the period containing the sale date.
func periodForSale(ctx context.Context, st Store, explicit generic.PeriodID, saleDate time.Time) (generic.Period, error) {
	if explicit != "" {
		return st.GetPeriod(ctx, explicit)
	}
	periods, err := st.ListPeriods(ctx)
	if err != nil {
		return generic.Period{}, fmt.Errorf("list periods: %w", err)
	}
	p, ok := generic.PeriodFor(periods, saleDate)
	if !ok {
		return generic.Period{}, &generic.NotFoundError{Resource: "period", ID: generic.FormatDay(saleDate)}
	}
	return p, nil
}

// periodForEvent resolves where a row produced at `at` lands: the open
// period containing it, falling back to the sale's own period.
func periodForEvent(ctx context.Context, st Store, at time.Time, fallback generic.PeriodID) (generic.PeriodID, error) {
	periods, err := st.ListPeriods(ctx)
	if err != nil {
		return "", fmt.Errorf("list periods: %w", err)
	}
	if p, ok := generic.PeriodFor(periods, at); ok && !p.Archived() {
		return p.ID, nil
	}
	return fallback, nil
}
