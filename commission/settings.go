package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SETTINGS - Periods, rate history and sale kinds
// =============================================================================

// Settings administers what the engine reads: periods, rates and sale
// kinds. Reads are open to everyone; writes are admin only.
type Settings struct {
	Store  TxStore
	Now    func() time.Time
	Logger *slog.Logger
}

func NewSettings(store TxStore) *Settings {
	return &Settings{Store: store}
}

// CreatePeriod adds a period that must not overlap an existing one.
func (s *Settings) CreatePeriod(ctx context.Context, p generic.Period, actor Actor) (generic.Period, error) {
	if err := requireAdmin(actor, "create periods"); err != nil {
		return generic.Period{}, err
	}
	p.Start, p.End = generic.Day(p.Start), generic.Day(p.End)
	if p.Name == "" {
		p.Name = string(p.ID)
	}
	if err := p.Validate(); err != nil {
		return generic.Period{}, err
	}

	err := s.Store.WithTx(ctx, func(st Store) error {
		existing, err := st.ListPeriods(ctx)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ID == p.ID {
				return &generic.ConflictError{Resource: "period", ID: string(p.ID), Reason: "period already exists"}
			}
			if e.Overlaps(p) {
				return &generic.ConflictError{Resource: "period", ID: string(p.ID), Reason: fmt.Sprintf("overlaps %s", e)}
			}
		}
		now := nowOr(s.Now)
		p.CreatedAt = now
		p.ArchivedAt = nil
		if err := st.CreatePeriod(ctx, p); err != nil {
			return err
		}
		return recordAudit(ctx, st, now, actor, generic.AuditPeriodCreated, string(p.ID), map[string]any{
			"start": generic.FormatDay(p.Start),
			"end":   generic.FormatDay(p.End),
		})
	})
	if err != nil {
		return generic.Period{}, err
	}
	loggerOr(s.Logger).InfoContext(ctx, "period created", "period_id", p.ID)
	return p, nil
}

// EnsureMonthlyPeriod creates the calendar-month period containing at if no
// period covers that day yet.
func (s *Settings) EnsureMonthlyPeriod(ctx context.Context, at time.Time, actor Actor) (generic.Period, error) {
	periods, err := s.Periods(ctx)
	if err != nil {
		return generic.Period{}, err
	}
	if p, ok := generic.PeriodFor(periods, at); ok {
		return p, nil
	}
	return s.CreatePeriod(ctx, generic.MonthlyPeriod(at.Year(), at.Month()), actor)
}

// ArchivePeriod closes a period to reassignments and new sales.
func (s *Settings) ArchivePeriod(ctx context.Context, id generic.PeriodID, actor Actor) (generic.Period, error) {
	if err := requireAdmin(actor, "archive periods"); err != nil {
		return generic.Period{}, err
	}
	var out generic.Period
	err := s.Store.WithTx(ctx, func(st Store) error {
		p, err := st.GetPeriod(ctx, id)
		if err != nil {
			return err
		}
		if p.Archived() {
			return &generic.ConflictError{Resource: "period", ID: string(id), Reason: "period is already archived"}
		}
		now := nowOr(s.Now)
		if err := st.ArchivePeriod(ctx, id, now); err != nil {
			return err
		}
		p.ArchivedAt = &now
		out = p
		return recordAudit(ctx, st, now, actor, generic.AuditPeriodArchived, string(id), nil)
	})
	return out, err
}

func (s *Settings) Periods(ctx context.Context) ([]generic.Period, error) {
	var out []generic.Period
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		out, err = st.ListPeriods(ctx)
		return err
	})
	return out, err
}

// AddRate appends an entry to the rate history. Existing sales keep the
// rate they were created with.
func (s *Settings) AddRate(ctx context.Context, r Rate, actor Actor) (Rate, error) {
	if err := requireAdmin(actor, "change commission rates"); err != nil {
		return Rate{}, err
	}
	r.EffectiveFrom = generic.Day(r.EffectiveFrom)
	if err := r.Validate(); err != nil {
		return Rate{}, err
	}
	now := nowOr(s.Now)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedBy, r.CreatedAt = actor.ID, now

	err := s.Store.WithTx(ctx, func(st Store) error {
		if err := st.AddRate(ctx, r); err != nil {
			return err
		}
		return recordAudit(ctx, st, now, actor, generic.AuditRateAdded, r.ID, map[string]any{
			"percent":        r.Percent.String(),
			"effective_from": generic.FormatDay(r.EffectiveFrom),
		})
	})
	if err != nil {
		return Rate{}, err
	}
	loggerOr(s.Logger).InfoContext(ctx, "commission rate added",
		"percent", r.Percent.String(), "effective_from", generic.FormatDay(r.EffectiveFrom))
	return r, nil
}

func (s *Settings) Rates(ctx context.Context) ([]Rate, error) {
	var out []Rate
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		out, err = st.ListRates(ctx)
		return err
	})
	return out, err
}

// PutSaleKind defines or redefines an administrator kind. The fixed kinds
// cannot be replaced.
func (s *Settings) PutSaleKind(ctx context.Context, k SaleKind, actor Actor) (SaleKind, error) {
	if err := requireAdmin(actor, "define sale kinds"); err != nil {
		return SaleKind{}, err
	}
	k.Key = SaleKindKey(strings.ToLower(string(k.Key)))
	if err := k.Validate(); err != nil {
		return SaleKind{}, err
	}
	if IsFixedKind(k.Key) {
		return SaleKind{}, &generic.ConflictError{Resource: "sale_kind", ID: string(k.Key), Reason: "fixed kinds cannot be redefined"}
	}
	err := s.Store.WithTx(ctx, func(st Store) error {
		if err := st.PutSaleKind(ctx, k); err != nil {
			return err
		}
		fields := make([]string, len(k.RequiredFields))
		for i, f := range k.RequiredFields {
			fields[i] = string(f)
		}
		return recordAudit(ctx, st, nowOr(s.Now), actor, generic.AuditSaleKindChanged, string(k.Key), map[string]any{
			"commissionable":  k.Commissionable,
			"required_fields": fields,
		})
	})
	return k, err
}

// SaleKinds returns the fixed kinds followed by the administrator kinds.
func (s *Settings) SaleKinds(ctx context.Context) ([]SaleKind, error) {
	out := FixedKinds()
	err := s.Store.View(ctx, func(st Store) error {
		kinds, err := st.ListSaleKinds(ctx)
		if err != nil {
			return err
		}
		out = append(out, kinds...)
		return nil
	})
	return out, err
}
