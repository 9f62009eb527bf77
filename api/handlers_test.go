/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Authentication (missing, invalid and valid tokens)
- Request lifecycle over HTTP (create, approve, summary)
- Error class to status mapping
- Leave type lookup and the day-count preview
- Server-Sent Events delivery through the outbox dispatcher
*/
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/fanout"
	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/outbox"
	"github.com/warp/leave-ledger/store/sqlite"
)

const testSecret = "test-secret"

type testServer struct {
	t     *testing.T
	srv   *httptest.Server
	store *sqlite.Store
	hub   *fanout.Hub
}

func newTestServer(t *testing.T) *testServer {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	svc := leave.NewService(store, leave.WithClock(func() time.Time { return now }))
	hub := fanout.NewHub(nil)
	h := NewHandler(svc, hub, nil)
	h.now = func() time.Time { return now }

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	srv := httptest.NewServer(NewRouter(h, RouterOptions{JWTSecret: testSecret, Metrics: reg}))
	t.Cleanup(srv.Close)

	return &testServer{t: t, srv: srv, store: store, hub: hub}
}

func (ts *testServer) token(uid, role string) string {
	ts.t.Helper()
	tok, err := GenerateToken(testSecret, Claims{UserID: uid, Role: role}, time.Hour)
	require.NoError(ts.t, err)
	return tok
}

// do sends body as JSON with uid's token and decodes the answer into out.
func (ts *testServer) do(method, path, uid, role string, body, out any) int {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(uid, role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// seed creates the annual type and gives eve 10 days in 2025.
func (ts *testServer) seed() {
	ts.t.Helper()
	var lt LeaveTypeDTO
	require.Equal(ts.t, http.StatusCreated, ts.do("POST", "/api/leave-types", "ada", "admin", LeaveTypeRequest{
		ID: "annual", Name: "Annual", IsPaid: true, DefaultBaseDays: "20", MaxCarryOverDays: "5", MaxConsecutiveDays: 10,
	}, &lt))
	var q QuotaRecordDTO
	require.Equal(ts.t, http.StatusOK, ts.do("PUT", "/api/employees/eve/quotas", "hana", "hr", AllocateQuotaRequest{
		LeaveTypeID: "annual", Year: 2025, BaseDays: "10",
	}, &q))
}

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	ts := newTestServer(t)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/api/leave-types", "", "", nil, &errResp))

	req, _ := http.NewRequest("GET", ts.srv.URL+"/api/leave-types", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/api/leave-types", "eve", "superuser", nil, &errResp))

	var types []LeaveTypeDTO
	assert.Equal(t, http.StatusOK, ts.do("GET", "/api/leave-types", "eve", "employee", nil, &types))
}

func TestParseToken_RejectsOtherSecret(t *testing.T) {
	tok, err := GenerateToken("other", Claims{UserID: "eve", Role: "employee"}, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, tok)
	require.Error(t, err)

	claims, err := ParseToken("other", tok)
	require.NoError(t, err)
	assert.Equal(t, "eve", claims.UserID)
	assert.Equal(t, "eve", claims.Subject)
}

func TestRequestLifecycle_OverHTTP(t *testing.T) {
	// GIVEN: eve has 10 days of annual leave
	ts := newTestServer(t)
	ts.seed()

	// WHEN: she asks for Mon-Fri and HR approves
	var created RequestDTO
	require.Equal(t, http.StatusCreated, ts.do("POST", "/api/requests", "eve", "employee", CreateRequestRequest{
		LeaveTypeID: "annual", StartDate: "2025-03-10", EndDate: "2025-03-14",
	}, &created))
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "5", created.TotalDays)
	assert.Equal(t, "eve", created.EmployeeID)

	var approved RequestDTO
	require.Equal(t, http.StatusOK, ts.do("POST", "/api/requests/"+created.ID+"/transition", "hana", "hr",
		TransitionRequest{Status: "approved"}, &approved))
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "hana", approved.ApproverID)
	require.NotNil(t, approved.ApprovedAt)

	// THEN: the summary shows the debit
	var summary []QuotaSummaryDTO
	require.Equal(t, http.StatusOK, ts.do("GET", "/api/employees/eve/quotas?year=2025", "eve", "employee", nil, &summary))
	require.Len(t, summary, 1)
	assert.Equal(t, "5", summary[0].Used)
	assert.Equal(t, "5", summary[0].Remaining)

	var listed []RequestDTO
	require.Equal(t, http.StatusOK, ts.do("GET", "/api/requests?status=approved", "eve", "employee", nil, &listed))
	assert.Len(t, listed, 1)

	var withdrawn RequestDTO
	require.Equal(t, http.StatusOK, ts.do("POST", "/api/requests/"+created.ID+"/withdraw", "eve", "employee",
		WithdrawRequest{Reason: "plans changed"}, &withdrawn))
	assert.Equal(t, "withdraw_pending", withdrawn.Status)
}

func TestErrorMapping_OverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	var req RequestDTO
	require.Equal(t, http.StatusCreated, ts.do("POST", "/api/requests", "eve", "employee", CreateRequestRequest{
		LeaveTypeID: "annual", StartDate: "2025-03-10", EndDate: "2025-03-11",
	}, &req))

	tests := []struct {
		name      string
		method    string
		path      string
		uid, role string
		body      any
		want      int
		class     string
	}{
		{"bad date", "POST", "/api/requests", "eve", "employee",
			CreateRequestRequest{LeaveTypeID: "annual", StartDate: "10/03/2025", EndDate: "2025-03-11"},
			http.StatusBadRequest, "validation"},
		{"over quota", "POST", "/api/requests", "eve", "employee",
			CreateRequestRequest{LeaveTypeID: "annual", StartDate: "2025-04-01", EndDate: "2025-04-15"},
			http.StatusUnprocessableEntity, ""},
		{"employee cannot approve", "POST", "/api/requests/" + req.ID + "/transition", "eve", "employee",
			TransitionRequest{Status: "approved"}, http.StatusForbidden, "forbidden"},
		{"unknown request", "GET", "/api/requests/nope", "hana", "hr", nil,
			http.StatusNotFound, "not_found"},
		{"invalid transition", "POST", "/api/requests/" + req.ID + "/transition", "hana", "hr",
			TransitionRequest{Status: "cancelled"}, http.StatusConflict, "invalid_transition"},
		{"unknown status", "POST", "/api/requests/" + req.ID + "/transition", "hana", "hr",
			TransitionRequest{Status: "maybe"}, http.StatusBadRequest, "validation"},
		{"audit is approver only", "GET", "/api/audit", "eve", "employee", nil,
			http.StatusForbidden, "forbidden"},
		{"bad year", "GET", "/api/years/abc", "hana", "hr", nil,
			http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, tt.want, ts.do(tt.method, tt.path, tt.uid, tt.role, tt.body, &resp))
			if tt.class != "" {
				assert.Equal(t, tt.class, resp.Class)
			}
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&generic.ValidationError{Field: "f", Reason: "r"}, http.StatusBadRequest},
		{&generic.PolicyViolationError{Rule: "overlap"}, http.StatusUnprocessableEntity},
		{&generic.InsufficientBalanceError{}, http.StatusUnprocessableEntity},
		{&generic.InvalidTransitionError{}, http.StatusConflict},
		{&generic.ConcurrencyConflictError{Resource: "quota"}, http.StatusConflict},
		{&generic.InvariantViolationError{Invariant: "bounds"}, http.StatusInternalServerError},
		{&generic.NotFoundError{Kind: "leave request", ID: "x"}, http.StatusNotFound},
		{generic.ErrForbidden, http.StatusForbidden},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestConcurrencyConflictIsRetryable(t *testing.T) {
	rec := httptest.NewRecorder()
	h := NewHandler(nil, nil, nil)
	h.fail(rec, httptest.NewRequest("POST", "/api/requests/x/transition", nil),
		&generic.ConcurrencyConflictError{Resource: "quota_record eve/annual/2025"})

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, resp.Retryable)
}

func TestEvents_StreamsDispatchedNotifications(t *testing.T) {
	// GIVEN: an approver connected to the event stream
	ts := newTestServer(t)
	ts.seed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.srv.URL+"/api/events?access_token="+ts.token("hana", "hr"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	first, err := lines.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first, ": connected"))

	// WHEN: eve creates a request and the outbox is dispatched
	var created RequestDTO
	require.Equal(t, http.StatusCreated, ts.do("POST", "/api/requests", "eve", "employee", CreateRequestRequest{
		LeaveTypeID: "annual", StartDate: "2025-03-10", EndDate: "2025-03-11",
	}, &created))

	mux := outbox.NewMux()
	mux.Handle(outbox.EventNotification, ts.hub)
	d := outbox.NewDispatcher(ts.store, mux, nil, outbox.DefaultDispatcherConfig())
	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Published, 1)

	// THEN: the approver receives the request_created event
	var event, data string
	for event == "" || data == "" {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, "request_created", event)

	var n outbox.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	assert.Equal(t, created.ID, n.RelatedEntityID)
}

func TestLeaveTypeAndDayCount_OverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	var lt LeaveTypeDTO
	require.Equal(t, http.StatusOK, ts.do("GET", "/api/leave-types/annual", "eve", "employee", nil, &lt))
	assert.Equal(t, "Annual", lt.Name)
	assert.Equal(t, "5", lt.MaxCarryOverDays)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/api/leave-types/nope", "eve", "employee", nil, &errResp))

	// Monday to Friday, starting in the afternoon.
	var dc DayCountDTO
	require.Equal(t, http.StatusOK, ts.do("GET",
		"/api/day-count?start=2025-03-03&end=2025-03-07&start_portion=half_afternoon", "eve", "employee", nil, &dc))
	assert.Equal(t, "4.5", dc.Days)

	assert.Equal(t, http.StatusBadRequest, ts.do("GET",
		"/api/day-count?start=2025-03-07&end=2025-03-03", "eve", "employee", nil, &errResp))
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, ts.do("GET", "/healthz", "", "", nil, &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
