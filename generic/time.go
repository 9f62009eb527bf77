package generic

import (
	"time"
)

// =============================================================================
// TIME POINT - Calendar day, independent of time of day and zone
// =============================================================================

// TimePoint is a calendar date. Every constructor normalizes to UTC midnight so
// that comparisons never drift with the caller's time zone.
type TimePoint struct {
	Time time.Time
}

const DateLayout = "2006-01-02"

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf keeps the calendar day of t as seen in t's own location.
func DateOf(t time.Time) TimePoint {
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

// Today returns the calendar day of now.
func Today(now time.Time) TimePoint {
	return DateOf(now)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (TimePoint, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TimePoint{}, err
	}
	return DateOf(t), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return tp.Before(other) || tp.Equal(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return tp.After(other) || tp.Equal(other) }

func (tp TimePoint) normalize() time.Time {
	return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint { return DateOf(tp.normalize().AddDate(0, 0, n)) }

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) Weekday() time.Weekday { return tp.Time.Weekday() }
func (tp TimePoint) IsZero() bool          { return tp.Time.IsZero() }

func (tp TimePoint) IsWeekend() bool {
	wd := tp.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func (tp TimePoint) String() string {
	return tp.Time.Format(DateLayout)
}

// =============================================================================
// HOLIDAYS - Organization non-working days
// =============================================================================

// Holiday represents an organization holiday that is never charged as leave.
type Holiday struct {
	ID        string
	Date      TimePoint // The holiday date
	Name      string    // e.g., "Christmas Day", "Independence Day"
	Recurring bool      // true = same month/day every year
}

// HolidaySet is the set of concrete holiday dates inside a range.
type HolidaySet map[TimePoint]string

// NewHolidaySet expands holidays into concrete dates within p.
// Recurring holidays are projected onto every year p touches.
func NewHolidaySet(holidays []Holiday, p Period) HolidaySet {
	set := make(HolidaySet)
	for _, h := range holidays {
		if !h.Recurring {
			if d := DateOf(h.Date.Time); p.Contains(d) {
				set[d] = h.Name
			}
			continue
		}
		for year := p.Start.Year(); year <= p.End.Year(); year++ {
			d := NewTimePoint(year, h.Date.Month(), h.Date.Day())
			// Feb 29 rolls into March in non-leap years; skip those.
			if d.Month() != h.Date.Month() {
				continue
			}
			if p.Contains(d) {
				set[d] = h.Name
			}
		}
	}
	return set
}

func (s HolidaySet) Contains(d TimePoint) bool {
	_, ok := s[DateOf(d.Time)]
	return ok
}

// IsWorkingDay reports whether d is neither a weekend nor a holiday.
func (s HolidaySet) IsWorkingDay(d TimePoint) bool {
	return !d.IsWeekend() && !s.Contains(d)
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

func StartOfYear(year int) TimePoint { return NewTimePoint(year, time.January, 1) }
func EndOfYear(year int) TimePoint   { return NewTimePoint(year, time.December, 31) }

// YearPeriod returns [Jan 1, Dec 31] of year.
func YearPeriod(year int) Period {
	return Period{Start: StartOfYear(year), End: EndOfYear(year)}
}
