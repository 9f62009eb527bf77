package leave_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/leave"
)

func TestCarryOverScheduler_RunsOncePerYear(t *testing.T) {
	// GIVEN: eve has 8 unused days in 2024 and the clock is in 2025
	f := newFixture(t)
	f.usedIn2024(eve, 10, 5)
	sched := leave.NewCarryOverScheduler(f.svc, time.Hour)

	// WHEN: the scheduler checks twice
	first := sched.RunNow(f.ctx)
	second := sched.RunNow(f.ctx)

	// THEN: only the first check runs the carry-over
	require.NotNil(t, first)
	assert.Equal(t, 2025, first.TargetYear)
	assert.Equal(t, 1, first.Written)
	assert.Nil(t, second)

	assertAmount(t, 5, f.quota("eve", 2025).CarryOver)
	yc, err := f.svc.GetYearConfig(f.ctx, 2024)
	require.NoError(t, err)
	assert.True(t, yc.IsClosed)
	assert.Equal(t, leave.System.ID, yc.ClosedBy)
}

func TestCarryOverScheduler_SkipsEmptyPriorYear(t *testing.T) {
	f := newFixture(t)
	sched := leave.NewCarryOverScheduler(f.svc, time.Hour)

	assert.Nil(t, sched.RunNow(f.ctx))

	yc, err := f.svc.GetYearConfig(f.ctx, 2024)
	require.NoError(t, err)
	assert.False(t, yc.IsClosed, "a year without records is left open")
}

func TestCarryOverScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	sched := leave.NewCarryOverScheduler(f.svc, time.Millisecond)

	sched.Start(f.ctx)
	sched.Start(f.ctx)
	sched.Stop()
	sched.Stop()
}
