package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/leave-ledger/generic"
)

func TestPeriod_Overlaps(t *testing.T) {
	a := span(date(2025, time.March, 10), date(2025, time.March, 14))

	assert.True(t, a.Overlaps(span(date(2025, time.March, 14), date(2025, time.March, 20))), "shared boundary day")
	assert.True(t, a.Overlaps(span(date(2025, time.March, 11), date(2025, time.March, 12))), "contained")
	assert.False(t, a.Overlaps(span(date(2025, time.March, 15), date(2025, time.March, 20))))
	assert.False(t, a.Overlaps(span(date(2025, time.March, 1), date(2025, time.March, 9))))
}

func TestPeriod_Validate(t *testing.T) {
	assert.NoError(t, span(date(2025, time.March, 10), date(2025, time.March, 10)).Validate())
	assert.ErrorIs(t, span(date(2025, time.March, 10), date(2025, time.March, 9)).Validate(), generic.ErrValidation)
	assert.ErrorIs(t, generic.Period{}.Validate(), generic.ErrValidation)
}

func TestPeriod_SpansYears(t *testing.T) {
	assert.True(t, span(date(2025, time.December, 30), date(2026, time.January, 2)).SpansYears())
	assert.False(t, generic.YearPeriod(2025).SpansYears())
}

func TestTimePoint_DateOfIgnoresClock(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	late := time.Date(2025, time.March, 10, 23, 59, 0, 0, loc)

	assert.True(t, generic.DateOf(late).Equal(date(2025, time.March, 10)))
	assert.Equal(t, "2025-03-10", generic.DateOf(late).String())
}
