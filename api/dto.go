/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON contract of the leave API. Day quantities travel as
  decimal strings ("2.5") so half days never pass through floating point.
  Dates are YYYY-MM-DD, timestamps RFC 3339 in UTC.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  DTOs only parse. Business validation happens in the leave package so the
  API and internal jobs share one set of rules.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Class     string `json:"class,omitempty"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

type CreateRequestRequest struct {
	EmployeeID    string `json:"employee_id"`
	LeaveTypeID   string `json:"leave_type_id"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	StartPortion  string `json:"start_portion,omitempty"`
	EndPortion    string `json:"end_portion,omitempty"`
	Reason        string `json:"reason,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type WithdrawRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RequestDTO struct {
	ID                string  `json:"id"`
	EmployeeID        string  `json:"employee_id"`
	LeaveTypeID       string  `json:"leave_type_id"`
	StartDate         string  `json:"start_date"`
	EndDate           string  `json:"end_date"`
	StartPortion      string  `json:"start_portion"`
	EndPortion        string  `json:"end_portion"`
	TotalDays         string  `json:"total_days"`
	Reason            string  `json:"reason,omitempty"`
	AttachmentRef     string  `json:"attachment_ref,omitempty"`
	Status            string  `json:"status"`
	ApproverID        string  `json:"approver_id,omitempty"`
	ApprovedAt        *string `json:"approved_at,omitempty"`
	RejectionReason   string  `json:"rejection_reason,omitempty"`
	CancelReason      string  `json:"cancel_reason,omitempty"`
	IsSpecialApproved bool    `json:"is_special_approved"`
	SpecialGrantID    string  `json:"special_grant_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

func toRequestDTO(r leave.LeaveRequest) RequestDTO {
	return RequestDTO{
		ID:                r.ID,
		EmployeeID:        string(r.EmployeeID),
		LeaveTypeID:       string(r.TypeID),
		StartDate:         r.StartDate.String(),
		EndDate:           r.EndDate.String(),
		StartPortion:      string(r.StartPortion),
		EndPortion:        string(r.EndPortion),
		TotalDays:         r.TotalDays.String(),
		Reason:            r.Reason,
		AttachmentRef:     r.AttachmentRef,
		Status:            string(r.Status),
		ApproverID:        r.ApproverID,
		ApprovedAt:        timePtr(r.ApprovedAt),
		RejectionReason:   r.RejectionReason,
		CancelReason:      r.CancelReason,
		IsSpecialApproved: r.IsSpecialApproved,
		SpecialGrantID:    r.SpecialGrantID,
		CreatedAt:         formatTime(r.CreatedAt),
		UpdatedAt:         formatTime(r.UpdatedAt),
	}
}

func toRequestDTOs(rs []leave.LeaveRequest) []RequestDTO {
	out := make([]RequestDTO, len(rs))
	for i, r := range rs {
		out[i] = toRequestDTO(r)
	}
	return out
}

// =============================================================================
// SPECIAL GRANTS
// =============================================================================

type GrantRequest struct {
	EmployeeID     string  `json:"employee_id"`
	LeaveTypeID    string  `json:"leave_type_id"`
	Year           int     `json:"year"`
	Amount         string  `json:"amount,omitempty"` // empty = bound request's total
	Reason         string  `json:"reason"`
	Expiry         *string `json:"expiry,omitempty"`
	BoundRequestID string  `json:"bound_request_id,omitempty"`
}

type GrantDTO struct {
	ID             string  `json:"id"`
	EmployeeID     string  `json:"employee_id"`
	LeaveTypeID    string  `json:"leave_type_id"`
	Year           int     `json:"year"`
	Amount         string  `json:"amount"`
	Reason         string  `json:"reason"`
	Expiry         *string `json:"expiry,omitempty"`
	BoundRequestID string  `json:"bound_request_id,omitempty"`
	GrantedBy      string  `json:"granted_by"`
	CreatedAt      string  `json:"created_at"`
}

func toGrantDTO(g leave.SpecialGrant) GrantDTO {
	return GrantDTO{
		ID:             g.ID,
		EmployeeID:     string(g.EmployeeID),
		LeaveTypeID:    string(g.TypeID),
		Year:           g.Year,
		Amount:         g.Amount.String(),
		Reason:         g.Reason,
		Expiry:         timePtr(g.Expiry),
		BoundRequestID: g.BoundRequestID,
		GrantedBy:      g.GrantedBy,
		CreatedAt:      formatTime(g.CreatedAt),
	}
}

// =============================================================================
// QUOTAS AND POLICIES
// =============================================================================

type QuotaSummaryDTO struct {
	LeaveTypeID   string `json:"leave_type_id"`
	LeaveTypeName string `json:"leave_type_name"`
	Base          string `json:"base_days"`
	CarryOver     string `json:"carry_over_days"`
	Used          string `json:"used_days"`
	Remaining     string `json:"remaining_days"`
}

func toQuotaSummaryDTO(s leave.QuotaSummary) QuotaSummaryDTO {
	return QuotaSummaryDTO{
		LeaveTypeID:   string(s.TypeID),
		LeaveTypeName: s.TypeName,
		Base:          s.Base.String(),
		CarryOver:     s.CarryOver.String(),
		Used:          s.Used.String(),
		Remaining:     s.Remaining.String(),
	}
}

type AllocateQuotaRequest struct {
	LeaveTypeID string `json:"leave_type_id"`
	Year        int    `json:"year"`
	BaseDays    string `json:"base_days"`
}

type QuotaRecordDTO struct {
	EmployeeID  string `json:"employee_id"`
	LeaveTypeID string `json:"leave_type_id"`
	Year        int    `json:"year"`
	Base        string `json:"base_days"`
	CarryOver   string `json:"carry_over_days"`
	Used        string `json:"used_days"`
	Remaining   string `json:"remaining_days"`
	Version     int    `json:"version"`
}

func toQuotaRecordDTO(q leave.QuotaRecord) QuotaRecordDTO {
	return QuotaRecordDTO{
		EmployeeID:  string(q.Key.EmployeeID),
		LeaveTypeID: string(q.Key.TypeID),
		Year:        q.Key.Year,
		Base:        q.Base.String(),
		CarryOver:   q.CarryOver.String(),
		Used:        q.Used.String(),
		Remaining:   q.Remaining().String(),
		Version:     q.Version,
	}
}

// TypePolicyJSON is one entry of a policy map, keyed by leave type ID.
type TypePolicyJSON struct {
	BaseDays         string  `json:"base_days"`
	MaxCarryOverDays string  `json:"max_carry_over_days,omitempty"`
	MaxTotalDays     *string `json:"max_total_days,omitempty"`
}

type PolicyUpdateRequest struct {
	Scope      string                    `json:"scope"`
	EmployeeID string                    `json:"employee_id,omitempty"`
	Year       int                       `json:"year"`
	Policies   map[string]TypePolicyJSON `json:"policies"`
}

type PolicyUpdateDTO struct {
	Updated     int                 `json:"updated"`
	Adjustments map[string][]string `json:"adjustments,omitempty"`
}

type CarryOverRequest struct {
	TargetYear int                       `json:"target_year"`
	Policies   map[string]TypePolicyJSON `json:"policies,omitempty"`
}

type CarryOverDTO struct {
	TargetYear int `json:"target_year"`
	PriorYear  int `json:"prior_year"`
	Processed  int `json:"processed"`
	Written    int `json:"written"`
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

type LeaveTypeRequest struct {
	ID                 string `json:"id,omitempty"`
	Name               string `json:"name"`
	IsPaid             bool   `json:"is_paid"`
	QuotaExempt        bool   `json:"quota_exempt"`
	DefaultBaseDays    string `json:"default_base_days,omitempty"`
	MaxCarryOverDays   string `json:"max_carry_over_days,omitempty"`
	MaxConsecutiveDays int    `json:"max_consecutive_days,omitempty"`
}

type LeaveTypePolicyRequest struct {
	DefaultBaseDays    string `json:"default_base_days"`
	MaxCarryOverDays   string `json:"max_carry_over_days"`
	MaxConsecutiveDays int    `json:"max_consecutive_days"`
}

type LeaveTypeDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	IsPaid             bool   `json:"is_paid"`
	QuotaExempt        bool   `json:"quota_exempt"`
	DefaultBaseDays    string `json:"default_base_days"`
	MaxCarryOverDays   string `json:"max_carry_over_days"`
	MaxConsecutiveDays int    `json:"max_consecutive_days"`
}

func toLeaveTypeDTO(lt leave.LeaveType) LeaveTypeDTO {
	return LeaveTypeDTO{
		ID:                 string(lt.ID),
		Name:               lt.Name,
		IsPaid:             lt.IsPaid,
		QuotaExempt:        lt.QuotaExempt,
		DefaultBaseDays:    lt.DefaultBaseDays.String(),
		MaxCarryOverDays:   lt.MaxCarryOverDays.String(),
		MaxConsecutiveDays: lt.MaxConsecutiveDays,
	}
}

// =============================================================================
// YEARS AND HOLIDAYS
// =============================================================================

type YearConfigDTO struct {
	Year                int     `json:"year"`
	IsClosed            bool    `json:"is_closed"`
	ClosedAt            *string `json:"closed_at,omitempty"`
	ClosedBy            string  `json:"closed_by,omitempty"`
	MaxConsecutiveDays  int     `json:"max_consecutive_days"`
	ReopenJustification string  `json:"reopen_justification,omitempty"`
}

func toYearConfigDTO(c leave.YearConfig) YearConfigDTO {
	return YearConfigDTO{
		Year:                c.Year,
		IsClosed:            c.IsClosed,
		ClosedAt:            timePtr(c.ClosedAt),
		ClosedBy:            c.ClosedBy,
		MaxConsecutiveDays:  c.MaxConsecutiveDays,
		ReopenJustification: c.ReopenJustification,
	}
}

type ReopenYearRequest struct {
	Justification string `json:"justification"`
}

type YearMaxConsecutiveRequest struct {
	MaxConsecutiveDays int `json:"max_consecutive_days"`
}

// DayCountDTO is the answer of the day-count preview.
type DayCountDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  string `json:"days"`
}

// HolidayDTO represents a holiday in API requests and responses.
type HolidayDTO struct {
	ID        string `json:"id,omitempty"`
	Date      string `json:"date"`
	Name      string `json:"name"`
	Recurring bool   `json:"recurring"`
}

func toHolidayDTO(h generic.Holiday) HolidayDTO {
	return HolidayDTO{ID: h.ID, Date: h.Date.String(), Name: h.Name, Recurring: h.Recurring}
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditDTO struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityName string         `json:"entity_name"`
	EntityID   string         `json:"entity_id"`
	Details    map[string]any `json:"details,omitempty"`
	OldValue   any            `json:"old_value,omitempty"`
	NewValue   any            `json:"new_value,omitempty"`
}

func toAuditDTO(e generic.AuditEntry) AuditDTO {
	dto := AuditDTO{
		ID:         e.ID,
		Timestamp:  formatTime(e.Timestamp),
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		EntityName: e.EntityName,
		EntityID:   e.EntityID,
		Details:    e.Details,
	}
	if len(e.OldValue) > 0 {
		dto.OldValue = e.OldValue
	}
	if len(e.NewValue) > 0 {
		dto.NewValue = e.NewValue
	}
	return dto
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
