package leave_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
)

// TestLedgerInvariants_RandomWorkload drives a random mix of operations and
// checks after every step that each record is within bounds and that used
// equals approved consumption plus special grants.
func TestLedgerInvariants_RandomWorkload(t *testing.T) {
	f := newFixture(t)
	employees := []leave.Caller{eve, bob}
	for _, e := range employees {
		f.allocate(e.ID, 2025, 15)
	}

	rng := rand.New(rand.NewSource(42))
	var ids []string

	for step := 0; step < 200; step++ {
		emp := employees[rng.Intn(len(employees))]
		switch op := rng.Intn(6); {
		case op == 0 || op == 1:
			start := date(2025, time.March, 10).AddDays(rng.Intn(250))
			end := start.AddDays(rng.Intn(4))
			req, err := f.request(emp, annual, start, end)
			if err == nil {
				ids = append(ids, req.ID)
			}
		case op == 2 && len(ids) > 0:
			_, _ = f.approve(ids[rng.Intn(len(ids))])
		case op == 3 && len(ids) > 0:
			id := ids[rng.Intn(len(ids))]
			req, err := f.svc.GetRequest(f.ctx, hr, id)
			require.NoError(t, err)
			_, _ = f.svc.WithdrawRequest(f.ctx, leave.Caller{ID: string(req.EmployeeID), Role: leave.RoleEmployee}, id, "")
		case op == 4 && len(ids) > 0:
			targets := []leave.Status{leave.StatusRejected, leave.StatusCancelled, leave.StatusApproved}
			_, _ = f.svc.TransitionRequest(f.ctx, hr, ids[rng.Intn(len(ids))], targets[rng.Intn(len(targets))], "")
		case op == 5:
			_, _ = f.svc.GrantSpecial(f.ctx, hr, leave.GrantInput{
				EmployeeID: leave.EmployeeID(emp.ID),
				TypeID:     annual,
				Year:       2025,
				Amount:     days(float64(1+rng.Intn(4)) / 2),
				Reason:     "random",
			})
		}

		for _, e := range employees {
			assertLedgerConsistent(t, f, leave.EmployeeID(e.ID))
		}
	}
}

func assertLedgerConsistent(t *testing.T, f *fixture, employee leave.EmployeeID) {
	t.Helper()

	q := f.quota(string(employee), 2025)
	require.False(t, q.Base.IsNegative())
	require.False(t, q.CarryOver.IsNegative())
	require.False(t, q.Used.IsNegative())
	require.False(t, q.Used.GreaterThan(q.Total()), "used %s exceeds total %s", q.Used, q.Total())

	requests, err := f.store.ListRequests(f.ctx, leave.RequestFilter{EmployeeID: employee})
	require.NoError(t, err)
	grants, err := f.store.ListGrants(f.ctx, employee)
	require.NoError(t, err)

	want := generic.ZeroDays()
	for _, r := range requests {
		if r.IsSpecialApproved {
			continue
		}
		if r.Status == leave.StatusApproved || r.Status == leave.StatusWithdrawPending {
			want = want.Add(r.TotalDays)
		}
	}
	for _, g := range grants {
		want = want.Add(g.Amount)
	}
	assert.Truef(t, want.Equal(q.Used), "used %s, approved requests and grants sum to %s", q.Used, want)
}
