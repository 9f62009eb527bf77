package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/leave-ledger/generic"
)

func maxTotal(n float64) *generic.Amount {
	a := days(n)
	return &a
}

func TestApplyCaps_CarryClampedToCeiling(t *testing.T) {
	// GIVEN: 8 days of unused balance and a 5-day carry ceiling
	// THEN: carry is 5 and base is untouched
	res := generic.ApplyCaps(generic.CapInput{
		TypeName:       "annual",
		RequestedBase:  days(20),
		RequestedCarry: days(8),
		CurrentUsed:    days(0),
		MaxCarry:       days(5),
	})

	assert.True(t, res.Carry.Equal(days(5)))
	assert.True(t, res.Base.Equal(days(20)))
	assert.Equal(t, []string{generic.AdjustCarryClamped}, res.Adjustments)
}

func TestApplyCaps_NegativeCarryClampedToZero(t *testing.T) {
	res := generic.ApplyCaps(generic.CapInput{
		RequestedBase:  days(10),
		RequestedCarry: days(-3),
		MaxCarry:       days(5),
	})

	assert.True(t, res.Carry.IsZero())
}

func TestApplyCaps_TotalCeilingReducesBase(t *testing.T) {
	// GIVEN: base 20 + carry 5 with a total ceiling of 22
	// THEN: base becomes 17
	res := generic.ApplyCaps(generic.CapInput{
		RequestedBase:  days(20),
		RequestedCarry: days(5),
		MaxCarry:       days(5),
		MaxTotal:       maxTotal(22),
	})

	assert.True(t, res.Base.Equal(days(17)), "base %s", res.Base)
	assert.True(t, res.Carry.Equal(days(5)))
	assert.True(t, res.Total().Equal(days(22)))
}

func TestApplyCaps_TotalCeilingBelowCarryFloorsBaseAtZero(t *testing.T) {
	res := generic.ApplyCaps(generic.CapInput{
		RequestedBase:  days(10),
		RequestedCarry: days(5),
		MaxCarry:       days(5),
		MaxTotal:       maxTotal(3),
	})

	assert.True(t, res.Base.IsZero())
	assert.True(t, res.Carry.Equal(days(5)))
}

func TestApplyCaps_UsedProtected(t *testing.T) {
	// GIVEN: the employee already used 15 days
	// WHEN: a policy edit would cut the total to 10
	// THEN: base is raised so remaining is exactly zero, never negative
	res := generic.ApplyCaps(generic.CapInput{
		RequestedBase:  days(8),
		RequestedCarry: days(2),
		CurrentUsed:    days(15),
		MaxCarry:       days(5),
		MaxTotal:       maxTotal(10),
	})

	assert.True(t, res.Base.Equal(days(13)), "base %s", res.Base)
	assert.True(t, res.Carry.Equal(days(2)))
	assert.True(t, res.Total().Sub(days(15)).IsZero())
	assert.Contains(t, res.Adjustments, generic.AdjustUsedProtected)
}

func TestApplyCaps_Deterministic(t *testing.T) {
	in := generic.CapInput{
		RequestedBase:  days(12.5),
		RequestedCarry: days(4.5),
		CurrentUsed:    days(3),
		MaxCarry:       days(4),
		MaxTotal:       maxTotal(15),
	}

	first := generic.ApplyCaps(in)
	second := generic.ApplyCaps(in)

	assert.True(t, first.Base.Equal(second.Base))
	assert.True(t, first.Carry.Equal(second.Carry))
	assert.Equal(t, first.Adjustments, second.Adjustments)
}
