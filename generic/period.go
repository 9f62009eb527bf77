package generic

// =============================================================================
// PERIOD - Inclusive calendar range
// =============================================================================

// Period is the inclusive date range [Start, End].
//
// Examples:
//   - A leave request from Mon Mar 10 to Fri Mar 14
//   - Calendar year 2025: Jan 1 - Dec 31
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Validate rejects periods whose end precedes their start.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return &ValidationError{Field: "period", Reason: "start and end dates are required"}
	}
	if p.End.Before(p.Start) {
		return &ValidationError{Field: "period", Reason: "end date before start date"}
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Overlaps reports whether the two inclusive ranges share at least one day.
func (p Period) Overlaps(other Period) bool {
	return p.Start.BeforeOrEqual(other.End) && other.Start.BeforeOrEqual(p.End)
}

// SpansYears reports whether the period crosses a calendar year boundary.
func (p Period) SpansYears() bool {
	return p.Start.Year() != p.End.Year()
}

// Days returns all days in the period as a slice of TimePoints.
func (p Period) Days() []TimePoint {
	var days []TimePoint
	current := p.Start
	for current.BeforeOrEqual(p.End) {
		days = append(days, current)
		current = current.AddDays(1)
	}
	return days
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
