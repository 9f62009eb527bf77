package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/leave-ledger/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func days(n float64) generic.Amount {
	return generic.Days(n)
}

func date(y int, m time.Month, d int) generic.TimePoint {
	return generic.NewTimePoint(y, m, d)
}

func span(from, to generic.TimePoint) generic.Period {
	return generic.Period{Start: from, End: to}
}

// March 2025: Fri 7, Sat 8, Sun 9, Mon 10 ... Fri 14.

// =============================================================================
// DAY COUNT TESTS
// =============================================================================

func TestCountLeaveDays_SingleMondayFull(t *testing.T) {
	// GIVEN: start = end = a Monday, full day, no holidays
	// THEN: 1 day
	mon := date(2025, time.March, 10)

	got := generic.CountLeaveDays(span(mon, mon), generic.PortionFull, generic.PortionFull, nil)

	assert.True(t, got.Equal(days(1)), "got %s", got)
}

func TestCountLeaveDays_SingleDayHalf(t *testing.T) {
	mon := date(2025, time.March, 10)

	got := generic.CountLeaveDays(span(mon, mon), generic.PortionHalfMorning, generic.PortionHalfMorning, nil)

	assert.True(t, got.Equal(days(0.5)), "got %s", got)
}

func TestCountLeaveDays_FridayToMonday(t *testing.T) {
	// GIVEN: Friday full to Monday full, no holidays
	// THEN: 2 (Fri, Mon); the weekend is free
	got := generic.CountLeaveDays(
		span(date(2025, time.March, 7), date(2025, time.March, 10)),
		generic.PortionFull, generic.PortionFull, nil)

	assert.True(t, got.Equal(days(2)), "got %s", got)
}

func TestCountLeaveDays_WeekendOnly(t *testing.T) {
	// GIVEN: Saturday to Sunday
	// THEN: 0, callers must reject the request
	got := generic.CountLeaveDays(
		span(date(2025, time.March, 8), date(2025, time.March, 9)),
		generic.PortionFull, generic.PortionFull, nil)

	assert.True(t, got.IsZero(), "got %s", got)
}

func TestCountLeaveDays_SingleWeekendDayHalf(t *testing.T) {
	sat := date(2025, time.March, 8)

	got := generic.CountLeaveDays(span(sat, sat), generic.PortionHalfAfternoon, generic.PortionFull, nil)

	assert.True(t, got.IsZero())
}

func TestCountLeaveDays_HalfDayStart(t *testing.T) {
	// GIVEN: Mon-Fri full is 5
	// WHEN: the start is a half day on a working day
	// THEN: 4.5
	week := span(date(2025, time.March, 10), date(2025, time.March, 14))

	full := generic.CountLeaveDays(week, generic.PortionFull, generic.PortionFull, nil)
	halfStart := generic.CountLeaveDays(week, generic.PortionHalfAfternoon, generic.PortionFull, nil)
	bothHalf := generic.CountLeaveDays(week, generic.PortionHalfAfternoon, generic.PortionHalfMorning, nil)

	assert.True(t, full.Equal(days(5)))
	assert.True(t, halfStart.Equal(days(4.5)))
	assert.True(t, bothHalf.Equal(days(4)))
}

func TestCountLeaveDays_HalfDayOnNonWorkingBoundary(t *testing.T) {
	// GIVEN: Saturday (half) to Monday (full)
	// THEN: the half flag on a non-working day subtracts nothing
	got := generic.CountLeaveDays(
		span(date(2025, time.March, 8), date(2025, time.March, 10)),
		generic.PortionHalfMorning, generic.PortionFull, nil)

	assert.True(t, got.Equal(days(1)), "got %s", got)
}

func TestCountLeaveDays_Holidays(t *testing.T) {
	// GIVEN: Wednesday is a holiday
	week := span(date(2025, time.March, 10), date(2025, time.March, 14))
	holidays := generic.NewHolidaySet([]generic.Holiday{
		{ID: "h1", Date: date(2025, time.March, 12), Name: "Founders Day"},
	}, week)

	got := generic.CountLeaveDays(week, generic.PortionFull, generic.PortionFull, holidays)

	assert.True(t, got.Equal(days(4)), "got %s", got)
}

func TestCountLeaveDays_IncrementsOfHalf(t *testing.T) {
	// Property: every result is a non-negative multiple of 0.5
	portions := []generic.DayPortion{generic.PortionFull, generic.PortionHalfMorning, generic.PortionHalfAfternoon}
	start := date(2025, time.January, 1)
	for offset := 0; offset < 21; offset++ {
		for length := 0; length < 10; length++ {
			p := span(start.AddDays(offset), start.AddDays(offset+length))
			for _, sp := range portions {
				for _, ep := range portions {
					got := generic.CountLeaveDays(p, sp, ep, nil)
					assert.False(t, got.IsNegative(), "%s %s/%s", p, sp, ep)
					assert.True(t, got.IsHalfStep(), "%s %s/%s = %s", p, sp, ep, got)
				}
			}
		}
	}
}

func TestCountLeaveDays_EndBeforeStart(t *testing.T) {
	got := generic.CountLeaveDays(
		span(date(2025, time.March, 10), date(2025, time.March, 7)),
		generic.PortionFull, generic.PortionFull, nil)

	assert.True(t, got.IsZero())
}

// =============================================================================
// HOLIDAY SET TESTS
// =============================================================================

func TestHolidaySet_RecurringProjectedOntoEachYear(t *testing.T) {
	p := span(date(2025, time.December, 1), date(2026, time.January, 31))
	set := generic.NewHolidaySet([]generic.Holiday{
		{ID: "xmas", Date: date(2019, time.December, 25), Name: "Christmas", Recurring: true},
		{ID: "ny", Date: date(2020, time.January, 1), Name: "New Year", Recurring: true},
		{ID: "once", Date: date(2024, time.December, 24), Name: "Bridge day"},
	}, p)

	assert.True(t, set.Contains(date(2025, time.December, 25)))
	assert.True(t, set.Contains(date(2026, time.January, 1)))
	assert.False(t, set.Contains(date(2024, time.December, 24)), "outside range")
	assert.False(t, set.IsWorkingDay(date(2025, time.December, 25)))
	assert.True(t, set.IsWorkingDay(date(2025, time.December, 23)))
}
