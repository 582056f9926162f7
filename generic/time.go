package generic

import "time"

// =============================================================================
// DAY UTILITIES - Periods are day-granular, timestamps are not
// =============================================================================

const dayLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func NewDay(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a "2006-01-02" date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, Invalid("date", "expected YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

func FormatDay(t time.Time) string { return t.UTC().Format(dayLayout) }

func StartOfMonth(year int, month time.Month) time.Time { return NewDay(year, month, 1) }
func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}
