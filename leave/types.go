// Package leave implements the leave quota ledger and request workflow engine.
// It composes the generic primitives into leave types, per-year quota records,
// the request state machine, special grants and the year-end carry-over.
package leave

import (
	"fmt"
	"time"

	"github.com/warp/leave-ledger/generic"
)

// =============================================================================
// IDENTIFIERS AND CALLERS
// =============================================================================

type EmployeeID = generic.EntityID

// TypeID identifies a LeaveType.
type TypeID string

type Role string

const (
	RoleEmployee Role = "employee"
	RoleHR       Role = "hr"
	RoleAdmin    Role = "admin"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(raw); r {
	case RoleEmployee, RoleHR, RoleAdmin:
		return r, nil
	}
	return "", &generic.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", raw)}
}

// Caller is the authenticated identity on whose behalf an operation runs.
type Caller struct {
	ID   string
	Role Role
}

// System is the caller used by internal jobs.
var System = Caller{ID: "system", Role: RoleAdmin}

// IsApprover reports whether the caller may decide on other people's requests.
func (c Caller) IsApprover() bool {
	return c.Role == RoleHR || c.Role == RoleAdmin
}

// Notification groups addressed by broadcasts.
const (
	GroupApprovers = "approvers"
	GroupEveryone  = "everyone"
)

// =============================================================================
// LEAVE TYPE
// =============================================================================

// LeaveType is a category of leave and its policy fields. Only the policy
// fields may change once a request references the type.
type LeaveType struct {
	ID                 TypeID
	Name               string
	IsPaid             bool
	QuotaExempt        bool           // no quota pathway: never touches the ledger
	DefaultBaseDays    generic.Amount // base allocation for new quota records
	MaxCarryOverDays   generic.Amount
	MaxConsecutiveDays int // 0 = unlimited
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// =============================================================================
// QUOTA RECORD
// =============================================================================

// QuotaKey addresses exactly one QuotaRecord.
type QuotaKey struct {
	EmployeeID EmployeeID
	TypeID     TypeID
	Year       int
}

// QuotaRecord is the per-employee, per-type, per-year balance tuple.
type QuotaRecord struct {
	Key       QuotaKey
	Base      generic.Amount
	CarryOver generic.Amount
	Used      generic.Amount
	Version   int
	UpdatedAt time.Time
}

// Total returns Base + CarryOver.
func (q QuotaRecord) Total() generic.Amount {
	return q.Base.Add(q.CarryOver)
}

// Remaining returns Base + CarryOver - Used.
func (q QuotaRecord) Remaining() generic.Amount {
	return q.Total().Sub(q.Used)
}

// =============================================================================
// LEAVE REQUEST
// =============================================================================

type Status string

const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusWithdrawPending Status = "withdraw_pending"
	StatusCancelled       Status = "cancelled"
)

// ActiveStatuses are the statuses that block overlapping requests.
var ActiveStatuses = []Status{StatusPending, StatusApproved, StatusWithdrawPending}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusWithdrawPending, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// CanTransitionTo encodes the request lifecycle:
//
//	pending          -> approved | rejected
//	approved         -> withdraw_pending
//	withdraw_pending -> cancelled | approved
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected
	case StatusApproved:
		return next == StatusWithdrawPending
	case StatusWithdrawPending:
		return next == StatusCancelled || next == StatusApproved
	default:
		return false
	}
}

// LeaveRequest is one employee's request for leave. Requests are never deleted;
// terminal states are historical facts.
type LeaveRequest struct {
	ID                string
	EmployeeID        EmployeeID
	TypeID            TypeID
	StartDate         generic.TimePoint
	EndDate           generic.TimePoint
	StartPortion      generic.DayPortion
	EndPortion        generic.DayPortion
	TotalDays         generic.Amount // computed at creation, immutable
	Reason            string
	AttachmentRef     string
	Status            Status
	ApproverID        string
	ApprovedAt        *time.Time
	RejectionReason   string
	CancelReason      string
	IsSpecialApproved bool
	SpecialGrantID    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Period returns the requested date range.
func (r LeaveRequest) Period() generic.Period {
	return generic.Period{Start: r.StartDate, End: r.EndDate}
}

// Year is the quota year the request is charged against.
func (r LeaveRequest) Year() int {
	return r.StartDate.Year()
}

// QuotaKey returns the ledger key the request debits.
func (r LeaveRequest) QuotaKey() QuotaKey {
	return QuotaKey{EmployeeID: r.EmployeeID, TypeID: r.TypeID, Year: r.Year()}
}

// RequestFilter narrows request listings. Zero values mean "any".
type RequestFilter struct {
	EmployeeID EmployeeID
	TypeID     TypeID
	Statuses   []Status
	Year       int
	Limit      int
}

// =============================================================================
// SPECIAL GRANT
// =============================================================================

// SpecialGrant is an out-of-band quota injection that is spent the instant it
// is created.
type SpecialGrant struct {
	ID             string
	EmployeeID     EmployeeID
	TypeID         TypeID
	Year           int
	Amount         generic.Amount
	Reason         string
	Expiry         *time.Time
	BoundRequestID string
	GrantedBy      string
	CreatedAt      time.Time
}

// =============================================================================
// SYSTEM YEAR CONFIG
// =============================================================================

// YearConfig governs whether requests may be created against a year. A year
// without a stored config is open.
type YearConfig struct {
	Year                int
	IsClosed            bool
	ClosedAt            *time.Time
	ClosedBy            string
	MaxConsecutiveDays  int // overrides LeaveType.MaxConsecutiveDays when > 0
	ReopenJustification string
	UpdatedAt           time.Time
}
