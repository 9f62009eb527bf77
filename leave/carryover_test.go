package leave_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/lock"
)

// usedIn2024 allocates base days for 2024 and approves a request from Monday
// 2024-03-04 to the given day of March.
func (f *fixture) usedIn2024(employee leave.Caller, base float64, end int) {
	f.t.Helper()
	f.allocate(employee.ID, 2024, base)
	saved := f.now
	f.now = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	defer func() { f.now = saved }()

	req := f.mustRequest(employee, date(2024, time.March, 4), date(2024, time.March, end))
	_, err := f.approve(req.ID)
	require.NoError(f.t, err)
}

func TestCarryOver_CapsAndCreatesTargetRecords(t *testing.T) {
	// GIVEN: eve has 8 days left in 2024 and bob has 2
	// WHEN: carry-over into 2025 runs with a cap of 5
	// THEN: eve carries 5, bob carries 2, both get the default base,
	//       and 2024 is closed
	f := newFixture(t)
	f.usedIn2024(eve, 10, 5)  // 2 days used
	f.usedIn2024(bob, 10, 13) // 8 days used

	res, err := f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.NoError(t, err)
	assert.Equal(t, 2024, res.PriorYear)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Written)

	q := f.quota("eve", 2025)
	assertAmount(t, 20, q.Base)
	assertAmount(t, 5, q.CarryOver)
	assertAmount(t, 0, q.Used)

	q = f.quota("bob", 2025)
	assertAmount(t, 2, q.CarryOver)

	yc, err := f.svc.GetYearConfig(f.ctx, 2024)
	require.NoError(t, err)
	assert.True(t, yc.IsClosed)
	assert.Equal(t, "hana", yc.ClosedBy)

	assert.Len(t, f.audit(generic.AuditQuotaCarriedOver), 2)
	require.Len(t, f.audit(generic.AuditCarryOverCompleted), 1)
	assert.Equal(t, leave.GroupEveryone, f.lastNotification().RecipientGroup)
}

func TestCarryOver_PolicyOverridesTypeDefaults(t *testing.T) {
	f := newFixture(t)
	f.usedIn2024(eve, 10, 4) // 1 day used, 9 left
	total := days(24)

	_, err := f.svc.RunCarryOver(f.ctx, hr, 2025, leave.PolicyConfig{
		annual: {BaseDays: days(22), MaxCarryOverDays: days(8), MaxTotalDays: &total},
	})
	require.NoError(t, err)

	q := f.quota("eve", 2025)
	assertAmount(t, 8, q.CarryOver)
	assertAmount(t, 16, q.Base)
}

func TestCarryOver_ExistingTargetKeepsBaseAndUsed(t *testing.T) {
	// GIVEN: eve already has a 2025 record with 3 days used
	// WHEN: carry-over runs
	// THEN: only carry changes
	f := newFixture(t)
	f.usedIn2024(eve, 10, 4)
	f.allocate("eve", 2025, 12)
	req := f.mustRequest(eve, date(2025, time.March, 10), date(2025, time.March, 12))
	_, err := f.approve(req.ID)
	require.NoError(t, err)

	_, err = f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.NoError(t, err)

	q := f.quota("eve", 2025)
	assertAmount(t, 12, q.Base)
	assertAmount(t, 5, q.CarryOver)
	assertAmount(t, 3, q.Used)
}

func TestCarryOver_RerunRequiresReopenAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.usedIn2024(eve, 10, 5)

	_, err := f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.NoError(t, err)
	first := f.quota("eve", 2025)

	_, err = f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.ErrorIs(t, err, generic.ErrPolicyViolation)

	_, err = f.svc.ReopenYear(f.ctx, hr, 2024, "")
	require.ErrorIs(t, err, generic.ErrValidation)
	_, err = f.svc.ReopenYear(f.ctx, hr, 2024, "late payroll correction")
	require.NoError(t, err)

	res, err := f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Written)

	second := f.quota("eve", 2025)
	assert.True(t, first.CarryOver.Equal(second.CarryOver))
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, f.audit(generic.AuditQuotaCarriedOver), 1)
}

func TestCarryOver_ClosedPriorYearBlocksRequests(t *testing.T) {
	f := newFixture(t)
	f.usedIn2024(eve, 10, 4)

	_, err := f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.NoError(t, err)

	f.now = time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	_, err = f.request(eve, annual, date(2024, time.June, 3), date(2024, time.June, 3))
	require.ErrorIs(t, err, generic.ErrPolicyViolation)
}

func TestCarryOver_ConcurrentRunIsAConflict(t *testing.T) {
	locker := lock.NewLocal()
	f := newFixture(t, leave.WithLocker(locker))
	f.usedIn2024(eve, 10, 4)

	unlock, err := locker.TryLock(context.Background(), "carryover:2025")
	require.NoError(t, err)

	_, err = f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.ErrorIs(t, err, generic.ErrConcurrencyConflict)

	require.NoError(t, unlock(context.Background()))
	_, err = f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.NoError(t, err)
}

func TestCarryOver_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RunCarryOver(f.ctx, eve, 2025, nil)
	require.ErrorIs(t, err, generic.ErrForbidden)

	_, err = f.svc.RunCarryOver(f.ctx, hr, 2025, leave.PolicyConfig{"sabbatical": {}})
	require.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.svc.RunCarryOver(f.ctx, hr, 2025, leave.PolicyConfig{unpaid: {}})
	require.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.svc.RunCarryOver(f.ctx, hr, 0, nil)
	require.ErrorIs(t, err, generic.ErrValidation)
}

func TestCarryOver_ClosesPriorYearBeforeReadingBalances(t *testing.T) {
	// GIVEN: eve has 10 days in 2024 and a pending 3-day request in that year
	f := newFixture(t)
	f.allocate("eve", 2024, 10)
	f.now = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	req := f.mustRequest(eve, date(2024, time.March, 11), date(2024, time.March, 13))

	// WHEN: carry-over runs and the request is approved afterwards
	_, err := f.svc.RunCarryOver(f.ctx, hr, 2025, nil)
	require.NoError(t, err)
	_, err = f.approve(req.ID)

	// THEN: the approval is refused and the carried amount still matches 2024
	require.ErrorIs(t, err, generic.ErrPolicyViolation)
	assertAmount(t, 0, f.quota("eve", 2024).Used)
	assertAmount(t, 5, f.quota("eve", 2025).CarryOver)

	closed := f.audit(generic.AuditYearClosed)
	require.Len(t, closed, 1)
	assert.Len(t, f.audit(generic.AuditCarryOverCompleted), 1)
}
