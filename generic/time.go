package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Payroll period key (YYYY-MM)
// =============================================================================

type Month struct {
	Year  int
	Month time.Month
}

// ParseMonth parses "YYYY-MM". Anything else is ErrInvalidMonth.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil || len(s) != 7 {
		return Month{}, &ValidationError{Field: "month", Value: s, Err: ErrInvalidMonth}
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

func MustParseMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }
func (m Month) IsZero() bool    { return m.Year == 0 && m.Month == 0 }

func (m Month) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// FirstDay is the first calendar day of the month (UTC midnight).
func (m Month) FirstDay() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// LastDay is the last calendar day of the month, computed from the real
// month length (28, 29, 30 or 31 days).
func (m Month) LastDay() time.Time {
	return m.FirstDay().AddDate(0, 1, -1)
}

func (m Month) Days() int { return m.LastDay().Day() }

// Period returns the inclusive day range covering the whole month.
func (m Month) Period() Period {
	return Period{Start: m.FirstDay(), End: m.LastDay()}
}

func (m Month) Next() Month {
	t := m.FirstDay().AddDate(0, 1, 0)
	return Month{Year: t.Year(), Month: t.Month()}
}

// =============================================================================
// PERIOD - Inclusive day range
// =============================================================================

// Period is an inclusive range of calendar days. Times are compared by date only.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(t time.Time) bool {
	d := truncateDay(t)
	return !d.Before(truncateDay(p.Start)) && !d.After(truncateDay(p.End))
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// CalendarDate is midnight UTC of the date t shows in its own location.
// Stores keep compensation dates in this form so that the day a user
// entered is the day every backend files it under.
func CalendarDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func truncateDay(t time.Time) time.Time { return CalendarDate(t) }
