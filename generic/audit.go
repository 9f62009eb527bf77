/*
audit.go - Audit entry shape shared by every mutating operation

PURPOSE:
  Defines what one audit record looks like. Audit entries are written by the
  same database transaction as the mutation they document, so the ledger and
  the audit trail can never diverge.

APPEND-ONLY CONTRACT:
  Audit entries are never updated or deleted. Stores expose only an append
  inside a transaction and read-only queries outside it.

SEE ALSO:
  - leave/txcontext.go: Writes exactly one entry per business transaction
  - store/sqlite/sqlite.go: audit_records table
*/
package generic

import (
	"encoding/json"
	"time"
)

// =============================================================================
// AUDIT LOG - Tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    string // who performed the action
	Action     AuditAction
	EntityName string // e.g., "leave_request", "quota_record"
	EntityID   string
	Details    map[string]any  // action-specific data
	OldValue   json.RawMessage // snapshot before, nil on create
	NewValue   json.RawMessage // snapshot after, nil on delete
}

type AuditAction string

const (
	AuditRequestCreated     AuditAction = "request_created"
	AuditRequestApproved    AuditAction = "request_approved"
	AuditRequestRejected    AuditAction = "request_rejected"
	AuditWithdrawRequested  AuditAction = "withdraw_requested"
	AuditWithdrawGranted    AuditAction = "withdraw_granted"
	AuditWithdrawDenied     AuditAction = "withdraw_denied"
	AuditSpecialGrant       AuditAction = "special_grant"
	AuditQuotaAllocated     AuditAction = "quota_allocated"
	AuditQuotaCarriedOver   AuditAction = "quota_carried_over"
	AuditCarryOverCompleted AuditAction = "carry_over_completed"
	AuditPolicyChanged      AuditAction = "policy_changed"
	AuditLeaveTypeCreated   AuditAction = "leave_type_created"
	AuditLeaveTypeUpdated   AuditAction = "leave_type_updated"
	AuditLeaveTypeDeleted   AuditAction = "leave_type_deleted"
	AuditYearClosed         AuditAction = "year_closed"
	AuditYearReopened       AuditAction = "year_reopened"
	AuditHolidayAdded       AuditAction = "holiday_added"
	AuditHolidayDeleted     AuditAction = "holiday_deleted"
)

// AuditFilter narrows audit queries. Zero values mean "any".
type AuditFilter struct {
	EntityName string
	EntityID   string
	ActorID    string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
	Limit      int
}

// Snapshot marshals v for OldValue/NewValue. Nil pointers and marshal
// failures yield nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}
