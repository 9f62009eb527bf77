package leave_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/outbox"
	"github.com/warp/leave-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	hr    = leave.Caller{ID: "hana", Role: leave.RoleHR}
	admin = leave.Caller{ID: "ada", Role: leave.RoleAdmin}
	eve   = leave.Caller{ID: "eve", Role: leave.RoleEmployee}
	bob   = leave.Caller{ID: "bob", Role: leave.RoleEmployee}
)

const (
	annual leave.TypeID = "annual"
	unpaid leave.TypeID = "unpaid"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *sqlite.Store
	svc   *leave.Service
	now   time.Time
}

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newFixture starts on Monday 2025-03-03 with an "annual" type (20 default
// days, carry-over up to 5, at most 10 consecutive days) and a quota-exempt
// "unpaid" type.
func newFixture(t *testing.T, opts ...leave.Option) *fixture {
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: newTestStore(t),
		now:   time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC),
	}
	opts = append([]leave.Option{leave.WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = leave.NewService(f.store, opts...)

	_, err := f.svc.CreateLeaveType(f.ctx, admin, leave.LeaveTypeInput{
		ID:                 annual,
		Name:               "Annual",
		IsPaid:             true,
		DefaultBaseDays:    days(20),
		MaxCarryOverDays:   days(5),
		MaxConsecutiveDays: 10,
	})
	require.NoError(t, err)
	_, err = f.svc.CreateLeaveType(f.ctx, admin, leave.LeaveTypeInput{
		ID:          unpaid,
		Name:        "Unpaid",
		QuotaExempt: true,
	})
	require.NoError(t, err)
	return f
}

func days(n float64) generic.Amount {
	return generic.Days(n)
}

func date(year int, month time.Month, day int) generic.TimePoint {
	return generic.NewTimePoint(year, month, day)
}

func (f *fixture) allocate(employee string, year int, base float64) {
	f.t.Helper()
	_, err := f.svc.AllocateQuota(f.ctx, hr, leave.QuotaKey{EmployeeID: leave.EmployeeID(employee), TypeID: annual, Year: year}, days(base))
	require.NoError(f.t, err)
}

func (f *fixture) request(c leave.Caller, typeID leave.TypeID, start, end generic.TimePoint) (*leave.LeaveRequest, error) {
	return f.svc.CreateRequest(f.ctx, c, leave.CreateRequestInput{
		EmployeeID: leave.EmployeeID(c.ID),
		TypeID:     typeID,
		StartDate:  start,
		EndDate:    end,
	})
}

func (f *fixture) mustRequest(c leave.Caller, start, end generic.TimePoint) *leave.LeaveRequest {
	f.t.Helper()
	req, err := f.request(c, annual, start, end)
	require.NoError(f.t, err)
	return req
}

func (f *fixture) approve(id string) (*leave.LeaveRequest, error) {
	return f.svc.TransitionRequest(f.ctx, hr, id, leave.StatusApproved, "")
}

func (f *fixture) quota(employee string, year int) *leave.QuotaRecord {
	f.t.Helper()
	q, err := f.store.GetQuota(f.ctx, leave.QuotaKey{EmployeeID: leave.EmployeeID(employee), TypeID: annual, Year: year})
	require.NoError(f.t, err)
	return q
}

func (f *fixture) audit(action generic.AuditAction) []generic.AuditEntry {
	f.t.Helper()
	entries, err := f.store.ListAudit(f.ctx, generic.AuditFilter{Actions: []generic.AuditAction{action}})
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) notifications() []outbox.Notification {
	f.t.Helper()
	events, err := f.store.ListOutbox(f.ctx, outbox.StatusPending)
	require.NoError(f.t, err)
	var out []outbox.Notification
	for _, e := range events {
		if e.EventType != outbox.EventNotification {
			continue
		}
		n, err := outbox.DecodeNotification(e)
		require.NoError(f.t, err)
		out = append(out, n)
	}
	return out
}

func (f *fixture) lastNotification() outbox.Notification {
	f.t.Helper()
	all := f.notifications()
	require.NotEmpty(f.t, all)
	return all[len(all)-1]
}

func assertAmount(t *testing.T, want float64, got generic.Amount) {
	t.Helper()
	require.Truef(t, days(want).Equal(got), "want %v days, got %s", want, got)
}
