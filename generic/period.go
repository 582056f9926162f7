package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Administrative time bucket every transaction belongs to
// =============================================================================

// Period is a named, inclusive day range [Start, End]. Periods never
// overlap; a transaction's PeriodID changes only through an administrative
// reassignment.
//
// Examples:
//   - "2025-03": Mar 1 - Mar 31
//   - "Q2 bonus window": Apr 1 - Jun 30
type Period struct {
	ID         PeriodID
	Name       string
	Start      time.Time
	End        time.Time
	ArchivedAt *time.Time
	CreatedAt  time.Time
}

// MonthlyPeriod builds the canonical calendar-month period. Its id is
// "YYYY-MM".
func MonthlyPeriod(year int, month time.Month) Period {
	start := StartOfMonth(year, month)
	return Period{
		ID:    PeriodID(start.Format("2006-01")),
		Name:  start.Format("January 2006"),
		Start: start,
		End:   EndOfMonth(year, month),
	}
}

// Contains returns true if the day of t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Overlaps returns true if the two periods share at least one day.
func (p Period) Overlaps(other Period) bool {
	return !p.End.Before(other.Start) && !other.End.Before(p.Start)
}

// Before returns true if p starts strictly before other.
func (p Period) Before(other Period) bool {
	return p.Start.Before(other.Start)
}

func (p Period) Archived() bool { return p.ArchivedAt != nil }

// Validate checks the period is well formed.
func (p Period) Validate() error {
	if p.ID == "" {
		return Invalid("id", "period id is required")
	}
	if p.Start.IsZero() || p.End.IsZero() {
		return Invalid("start", "period %s needs a start and an end", p.ID)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p.ID)
	}
	return nil
}

// String returns a string representation of the period.
func (p Period) String() string {
	return string(p.ID) + " [" + FormatDay(p.Start) + ", " + FormatDay(p.End) + "]"
}

// PeriodFor returns the first of periods containing the day of t.
func PeriodFor(periods []Period, t time.Time) (Period, bool) {
	for _, p := range periods {
		if p.Contains(t) {
			return p, true
		}
	}
	return Period{}, false
}
