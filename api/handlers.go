/*
handlers.go - HTTP API handlers for the leave ledger

PURPOSE:
  Exposes the leave engine over REST. Handlers parse the request, take the
  caller from the JWT middleware, call exactly one leave.Service operation
  and serialize the result. No business rule lives here.

ENDPOINTS:
  Requests:
    POST   /api/requests                    Create a request (pending)
    GET    /api/requests                    List (own requests for employees)
    GET    /api/requests/{id}               Get one request
    POST   /api/requests/{id}/transition    Approve, reject or decide a withdrawal
    POST   /api/requests/{id}/withdraw      Ask to withdraw an approved request

  Quotas:
    GET    /api/employees/{id}/quotas       Per-type summary for ?year=
    PUT    /api/employees/{id}/quotas       Allocate base days
    GET    /api/employees/{id}/grants       Special grants
    POST   /api/grants                      Special grant
    POST   /api/policies                    Apply a policy map
    POST   /api/carryover                   Year-end carry-over

  Configuration:
    /api/leave-types, /api/years/{year}, /api/holidays
    GET    /api/day-count                   Preview chargeable days

  Audit:
    GET    /api/audit                       Approvers only

ERROR HANDLING:
  Errors from the engine are mapped by class (see statusFor):
  - 400: Validation
  - 403: Forbidden
  - 404: Not found
  - 409: Invalid transition, concurrency conflict (retryable)
  - 422: Policy violation, insufficient balance
  - 500: Invariant violation and anything unexpected

SEE ALSO:
  - dto.go: Request/response data structures
  - events.go: Server-Sent Events stream
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/fanout"
	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *leave.Service
	Hub     *fanout.Hub
	logger  *zap.Logger
	now     func() time.Time
}

func NewHandler(svc *leave.Service, hub *fanout.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Hub: hub, logger: logger.Named("api"), now: time.Now}
}

// caller is set by Authenticate on every /api route.
func caller(r *http.Request) leave.Caller {
	c, _ := CallerFrom(r.Context())
	return c
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateRequestRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := leave.CreateRequestInput{
		EmployeeID:    leave.EmployeeID(req.EmployeeID),
		TypeID:        leave.TypeID(req.LeaveTypeID),
		StartPortion:  generic.DayPortion(req.StartPortion),
		EndPortion:    generic.DayPortion(req.EndPortion),
		Reason:        req.Reason,
		AttachmentRef: req.AttachmentRef,
	}
	if in.EmployeeID == "" {
		in.EmployeeID = leave.EmployeeID(caller(r).ID)
	}
	var err error
	if in.StartDate, err = parseDate("start_date", req.StartDate); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.EndDate, err = parseDate("end_date", req.EndDate); err != nil {
		h.fail(w, r, err)
		return
	}

	created, err := h.Service.CreateRequest(r.Context(), caller(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*created))
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := leave.RequestFilter{
		EmployeeID: leave.EmployeeID(q.Get("employee_id")),
		TypeID:     leave.TypeID(q.Get("leave_type_id")),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := leave.Status(strings.TrimSpace(s))
			if !status.IsValid() {
				h.fail(w, r, &generic.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	var err error
	if filter.Year, err = queryInt(r, "year", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.fail(w, r, err)
		return
	}

	requests, err := h.Service.ListRequests(r.Context(), caller(r), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(requests))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.GetRequest(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) TransitionRequest(w http.ResponseWriter, r *http.Request) {
	var body TransitionRequest
	if !h.decode(w, r, &body) {
		return
	}
	target := leave.Status(body.Status)
	if !target.IsValid() {
		h.fail(w, r, &generic.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", body.Status)})
		return
	}
	req, err := h.Service.TransitionRequest(r.Context(), caller(r), chi.URLParam(r, "id"), target, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) WithdrawRequest(w http.ResponseWriter, r *http.Request) {
	var body WithdrawRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	req, err := h.Service.WithdrawRequest(r.Context(), caller(r), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// =============================================================================
// SPECIAL GRANTS
// =============================================================================

func (h *Handler) GrantSpecial(w http.ResponseWriter, r *http.Request) {
	var body GrantRequest
	if !h.decode(w, r, &body) {
		return
	}
	in := leave.GrantInput{
		EmployeeID:     leave.EmployeeID(body.EmployeeID),
		TypeID:         leave.TypeID(body.LeaveTypeID),
		Year:           body.Year,
		Reason:         body.Reason,
		BoundRequestID: body.BoundRequestID,
	}
	var err error
	if in.Amount, err = parseDays("amount", body.Amount); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Expiry != nil {
		t, err := time.Parse(time.RFC3339, *body.Expiry)
		if err != nil {
			h.fail(w, r, &generic.ValidationError{Field: "expiry", Reason: "must be an RFC 3339 timestamp"})
			return
		}
		in.Expiry = &t
	}

	grant, err := h.Service.GrantSpecial(r.Context(), caller(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(*grant))
}

func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Service.ListGrants(r.Context(), caller(r), leave.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]GrantDTO, len(grants))
	for i, g := range grants {
		out[i] = toGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// QUOTAS, POLICIES AND CARRY-OVER
// =============================================================================

func (h *Handler) GetQuotaSummary(w http.ResponseWriter, r *http.Request) {
	year, err := queryInt(r, "year", h.now().UTC().Year())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	summary, err := h.Service.GetQuotaSummary(r.Context(), caller(r), leave.EmployeeID(chi.URLParam(r, "id")), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]QuotaSummaryDTO, len(summary))
	for i, s := range summary {
		out[i] = toQuotaSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) AllocateQuota(w http.ResponseWriter, r *http.Request) {
	var body AllocateQuotaRequest
	if !h.decode(w, r, &body) {
		return
	}
	base, err := parseDays("base_days", body.BaseDays)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key := leave.QuotaKey{
		EmployeeID: leave.EmployeeID(chi.URLParam(r, "id")),
		TypeID:     leave.TypeID(body.LeaveTypeID),
		Year:       body.Year,
	}
	q, err := h.Service.AllocateQuota(r.Context(), caller(r), key, base)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotaRecordDTO(*q))
}

func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var body PolicyUpdateRequest
	if !h.decode(w, r, &body) {
		return
	}
	policies, err := parsePolicies(body.Policies)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Service.UpdatePolicy(r.Context(), caller(r), leave.PolicyUpdate{
		Scope:      leave.PolicyScope(body.Scope),
		EmployeeID: leave.EmployeeID(body.EmployeeID),
		Year:       body.Year,
		Policies:   policies,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PolicyUpdateDTO{Updated: res.Updated, Adjustments: res.Adjustments})
}

func (h *Handler) RunCarryOver(w http.ResponseWriter, r *http.Request) {
	var body CarryOverRequest
	if !h.decode(w, r, &body) {
		return
	}
	policies, err := parsePolicies(body.Policies)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Service.RunCarryOver(r.Context(), caller(r), body.TargetYear, policies)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CarryOverDTO{
		TargetYear: res.TargetYear,
		PriorYear:  res.PriorYear,
		Processed:  res.Processed,
		Written:    res.Written,
	})
}

func parsePolicies(raw map[string]TypePolicyJSON) (leave.PolicyConfig, error) {
	cfg := make(leave.PolicyConfig, len(raw))
	for id, p := range raw {
		field := "policies." + id
		base, err := parseDays(field+".base_days", p.BaseDays)
		if err != nil {
			return nil, err
		}
		carry, err := parseDays(field+".max_carry_over_days", p.MaxCarryOverDays)
		if err != nil {
			return nil, err
		}
		tp := leave.TypePolicy{BaseDays: base, MaxCarryOverDays: carry}
		if p.MaxTotalDays != nil {
			total, err := parseDays(field+".max_total_days", *p.MaxTotalDays)
			if err != nil {
				return nil, err
			}
			tp.MaxTotalDays = &total
		}
		cfg[leave.TypeID(id)] = tp
	}
	return cfg, nil
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Service.ListLeaveTypes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]LeaveTypeDTO, len(types))
	for i, lt := range types {
		out[i] = toLeaveTypeDTO(lt)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetLeaveType(w http.ResponseWriter, r *http.Request) {
	lt, err := h.Service.GetLeaveType(r.Context(), leave.TypeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveTypeDTO(*lt))
}

func (h *Handler) CreateLeaveType(w http.ResponseWriter, r *http.Request) {
	var body LeaveTypeRequest
	if !h.decode(w, r, &body) {
		return
	}
	in := leave.LeaveTypeInput{
		ID:                 leave.TypeID(body.ID),
		Name:               body.Name,
		IsPaid:             body.IsPaid,
		QuotaExempt:        body.QuotaExempt,
		MaxConsecutiveDays: body.MaxConsecutiveDays,
	}
	var err error
	if in.DefaultBaseDays, err = parseDays("default_base_days", body.DefaultBaseDays); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.MaxCarryOverDays, err = parseDays("max_carry_over_days", body.MaxCarryOverDays); err != nil {
		h.fail(w, r, err)
		return
	}
	lt, err := h.Service.CreateLeaveType(r.Context(), caller(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaveTypeDTO(*lt))
}

func (h *Handler) UpdateLeaveTypePolicy(w http.ResponseWriter, r *http.Request) {
	var body LeaveTypePolicyRequest
	if !h.decode(w, r, &body) {
		return
	}
	pol := leave.LeaveTypePolicy{MaxConsecutiveDays: body.MaxConsecutiveDays}
	var err error
	if pol.DefaultBaseDays, err = parseDays("default_base_days", body.DefaultBaseDays); err != nil {
		h.fail(w, r, err)
		return
	}
	if pol.MaxCarryOverDays, err = parseDays("max_carry_over_days", body.MaxCarryOverDays); err != nil {
		h.fail(w, r, err)
		return
	}
	lt, err := h.Service.UpdateLeaveTypePolicy(r.Context(), caller(r), leave.TypeID(chi.URLParam(r, "id")), pol)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveTypeDTO(*lt))
}

func (h *Handler) DeleteLeaveType(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteLeaveType(r.Context(), caller(r), leave.TypeID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// YEARS
// =============================================================================

func (h *Handler) GetYearConfig(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}
	cfg, err := h.Service.GetYearConfig(r.Context(), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toYearConfigDTO(*cfg))
}

func (h *Handler) CloseYear(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}
	cfg, err := h.Service.CloseYear(r.Context(), caller(r), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toYearConfigDTO(*cfg))
}

func (h *Handler) ReopenYear(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}
	var body ReopenYearRequest
	if !h.decode(w, r, &body) {
		return
	}
	cfg, err := h.Service.ReopenYear(r.Context(), caller(r), year, body.Justification)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toYearConfigDTO(*cfg))
}

func (h *Handler) SetYearMaxConsecutive(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}
	var body YearMaxConsecutiveRequest
	if !h.decode(w, r, &body) {
		return
	}
	cfg, err := h.Service.SetYearMaxConsecutiveDays(r.Context(), caller(r), year, body.MaxConsecutiveDays)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toYearConfigDTO(*cfg))
}

func (h *Handler) yearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year <= 0 {
		h.fail(w, r, &generic.ValidationError{Field: "year", Reason: "must be a positive integer"})
		return 0, false
	}
	return year, true
}

// =============================================================================
// HOLIDAYS
// =============================================================================

func (h *Handler) ListHolidays(w http.ResponseWriter, r *http.Request) {
	holidays, err := h.Service.ListHolidays(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]HolidayDTO, len(holidays))
	for i, hd := range holidays {
		out[i] = toHolidayDTO(hd)
	}
	writeJSON(w, http.StatusOK, out)
}

// CountDays previews the chargeable days of a range:
// GET /api/day-count?start=2025-03-03&end=2025-03-07&start_portion=half_afternoon
func (h *Handler) CountDays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseDate("start", q.Get("start"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	end, err := parseDate("end", q.Get("end"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.Service.CountDays(r.Context(), generic.Period{Start: start, End: end},
		generic.DayPortion(q.Get("start_portion")), generic.DayPortion(q.Get("end_portion")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DayCountDTO{Start: start.String(), End: end.String(), Days: n.String()})
}

func (h *Handler) CreateHoliday(w http.ResponseWriter, r *http.Request) {
	var body HolidayDTO
	if !h.decode(w, r, &body) {
		return
	}
	date, err := parseDate("date", body.Date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.Service.AddHoliday(r.Context(), caller(r), generic.Holiday{
		Date:      date,
		Name:      body.Name,
		Recurring: body.Recurring,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHolidayDTO(*saved))
}

func (h *Handler) DeleteHoliday(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteHoliday(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AuditFilter{
		EntityName: q.Get("entity_name"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
	}
	if raw := q.Get("action"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			filter.Actions = append(filter.Actions, generic.AuditAction(strings.TrimSpace(a)))
		}
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				h.fail(w, r, &generic.ValidationError{Field: name, Reason: "must be an RFC 3339 timestamp"})
				return
			}
			*dst = &t
		}
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 500); err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.Service.ListAudit(r.Context(), caller(r), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AuditDTO, len(entries))
	for i, e := range entries {
		out[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Service.ListLeaveTypes(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", nil)
		return
	}
	resp := map[string]any{"status": "ok"}
	if h.Hub != nil {
		resp["connections"] = h.Hub.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error onto its HTTP status. Defects are logged here,
// client errors were already logged by the service.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("class", generic.Class(err)),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{
		Error:     generic.Reason(err),
		Class:     generic.Class(err),
		Retryable: generic.IsRetryable(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInvalidTransition), errors.Is(err, generic.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, generic.ErrPolicyViolation), errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func parseDate(field, raw string) (generic.TimePoint, error) {
	if raw == "" {
		return generic.TimePoint{}, &generic.ValidationError{Field: field, Reason: "is required"}
	}
	tp, err := generic.ParseDate(raw)
	if err != nil {
		return generic.TimePoint{}, &generic.ValidationError{Field: field, Reason: "must be YYYY-MM-DD"}
	}
	return tp, nil
}

// parseDays treats an empty string as zero days.
func parseDays(field, raw string) (generic.Amount, error) {
	if raw == "" {
		return generic.ZeroDays(), nil
	}
	a, err := generic.ParseDays(raw)
	if err != nil {
		return generic.Amount{}, &generic.ValidationError{Field: field, Reason: "must be a decimal number of days"}
	}
	return a, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &generic.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}
