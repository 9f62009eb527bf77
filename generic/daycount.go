package generic

// =============================================================================
// DAY COUNT - Chargeable leave days for a date range
// =============================================================================

// DayPortion says which part of a boundary day is requested.
type DayPortion string

const (
	PortionFull          DayPortion = "full"
	PortionHalfMorning   DayPortion = "half_morning"
	PortionHalfAfternoon DayPortion = "half_afternoon"
)

func (d DayPortion) IsValid() bool {
	switch d {
	case PortionFull, PortionHalfMorning, PortionHalfAfternoon:
		return true
	default:
		return false
	}
}

func (d DayPortion) IsHalf() bool {
	return d == PortionHalfMorning || d == PortionHalfAfternoon
}

// CountLeaveDays returns the chargeable days in p.
//
// Weekends and holidays are never charged. A single-day range is 1 for a full
// day, 0.5 for a half day and 0 if the day is not worked. For longer ranges each
// boundary day that is a working day and was requested as a half day removes
// 0.5 from the working-day count. The result is never negative.
func CountLeaveDays(p Period, start, end DayPortion, holidays HolidaySet) Amount {
	if p.End.Before(p.Start) {
		return ZeroDays()
	}

	if p.Start.Equal(p.End) {
		if !holidays.IsWorkingDay(p.Start) {
			return ZeroDays()
		}
		if start.IsHalf() || end.IsHalf() {
			return Days(0.5)
		}
		return Days(1)
	}

	working := 0
	for _, d := range p.Days() {
		if holidays.IsWorkingDay(d) {
			working++
		}
	}

	total := Days(float64(working))
	if start.IsHalf() && holidays.IsWorkingDay(p.Start) {
		total = total.Sub(Days(0.5))
	}
	if end.IsHalf() && holidays.IsWorkingDay(p.End) {
		total = total.Sub(Days(0.5))
	}
	return total.Floor0()
}
