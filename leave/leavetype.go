package leave

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/outbox"
)

// =============================================================================
// LEAVE TYPES
// =============================================================================

var typeIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// LeaveTypeInput creates a leave type. An empty ID is generated.
type LeaveTypeInput struct {
	ID                 TypeID
	Name               string
	IsPaid             bool
	QuotaExempt        bool
	DefaultBaseDays    generic.Amount
	MaxCarryOverDays   generic.Amount
	MaxConsecutiveDays int
}

// LeaveTypePolicy holds the fields that stay editable after requests
// reference a type.
type LeaveTypePolicy struct {
	DefaultBaseDays    generic.Amount
	MaxCarryOverDays   generic.Amount
	MaxConsecutiveDays int
}

func (p LeaveTypePolicy) validate() error {
	switch {
	case p.DefaultBaseDays.IsNegative() || !p.DefaultBaseDays.IsHalfStep():
		return &generic.ValidationError{Field: "default_base_days", Reason: "must be a non-negative multiple of 0.5 days"}
	case p.MaxCarryOverDays.IsNegative() || !p.MaxCarryOverDays.IsHalfStep():
		return &generic.ValidationError{Field: "max_carry_over_days", Reason: "must be a non-negative multiple of 0.5 days"}
	case p.MaxConsecutiveDays < 0:
		return &generic.ValidationError{Field: "max_consecutive_days", Reason: "cannot be negative"}
	}
	return nil
}

// CreateLeaveType registers a new leave type. Names are unique.
func (s *Service) CreateLeaveType(ctx context.Context, caller Caller, in LeaveTypeInput) (*LeaveType, error) {
	const op = "create_leave_type"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		err := &generic.ValidationError{Field: "name", Reason: "is required"}
		s.observe(op, err)
		return nil, err
	}
	if in.ID != "" && !typeIDPattern.MatchString(string(in.ID)) {
		err := &generic.ValidationError{Field: "id", Reason: "must be lowercase letters, digits, '-' or '_'"}
		s.observe(op, err)
		return nil, err
	}
	pol := LeaveTypePolicy{DefaultBaseDays: in.DefaultBaseDays, MaxCarryOverDays: in.MaxCarryOverDays, MaxConsecutiveDays: in.MaxConsecutiveDays}
	if err := pol.validate(); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if in.ID == "" {
		in.ID = TypeID(uuid.NewString())
	}

	var lt LeaveType
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		existing, err := tc.Tx.GetLeaveType(tc.Ctx, in.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return &generic.ValidationError{Field: "id", Reason: fmt.Sprintf("leave type %q already exists", in.ID)}
		}
		byName, err := tc.Tx.GetLeaveTypeByName(tc.Ctx, in.Name)
		if err != nil {
			return err
		}
		if byName != nil {
			return &generic.ValidationError{Field: "name", Reason: fmt.Sprintf("leave type %q already exists", in.Name)}
		}

		lt = LeaveType{
			ID:                 in.ID,
			Name:               in.Name,
			IsPaid:             in.IsPaid,
			QuotaExempt:        in.QuotaExempt,
			DefaultBaseDays:    in.DefaultBaseDays,
			MaxCarryOverDays:   in.MaxCarryOverDays,
			MaxConsecutiveDays: in.MaxConsecutiveDays,
			CreatedAt:          tc.Now,
			UpdatedAt:          tc.Now,
		}
		if err := tc.Tx.SaveLeaveType(tc.Ctx, lt); err != nil {
			return err
		}
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditLeaveTypeCreated,
			EntityName: "leave_type",
			EntityID:   string(lt.ID),
			NewValue:   generic.Snapshot(lt),
		})
	})
	if err != nil {
		return nil, err
	}
	return &lt, nil
}

// UpdateLeaveTypePolicy changes a type's policy fields. Existing quota
// records are untouched; use UpdatePolicy to recompute them.
func (s *Service) UpdateLeaveTypePolicy(ctx context.Context, caller Caller, id TypeID, pol LeaveTypePolicy) (*LeaveType, error) {
	const op = "update_leave_type"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if err := pol.validate(); err != nil {
		s.observe(op, err)
		return nil, err
	}

	var lt LeaveType
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		cur, err := tc.Tx.GetLeaveType(tc.Ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &generic.NotFoundError{Kind: "leave type", ID: string(id)}
		}
		lt = *cur
		lt.DefaultBaseDays = pol.DefaultBaseDays
		lt.MaxCarryOverDays = pol.MaxCarryOverDays
		lt.MaxConsecutiveDays = pol.MaxConsecutiveDays
		lt.UpdatedAt = tc.Now
		if err := tc.Tx.SaveLeaveType(tc.Ctx, lt); err != nil {
			return err
		}
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditLeaveTypeUpdated,
			EntityName: "leave_type",
			EntityID:   string(id),
			OldValue:   generic.Snapshot(cur),
			NewValue:   generic.Snapshot(lt),
		})
	})
	if err != nil {
		return nil, err
	}
	return &lt, nil
}

// DeleteLeaveType removes an unreferenced type together with its quota
// records. A type referenced by any request cannot be deleted.
func (s *Service) DeleteLeaveType(ctx context.Context, caller Caller, id TypeID) error {
	const op = "delete_leave_type"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return err
	}

	return s.inTx(ctx, caller, op, func(tc *TxContext) error {
		cur, err := tc.Tx.GetLeaveType(tc.Ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &generic.NotFoundError{Kind: "leave type", ID: string(id)}
		}
		n, err := tc.Tx.CountRequestsByType(tc.Ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return &generic.PolicyViolationError{
				Rule:   "type_in_use",
				Reason: fmt.Sprintf("%s is referenced by %d leave requests", cur.Name, n),
			}
		}
		if err := tc.Tx.DeleteLeaveType(tc.Ctx, id); err != nil {
			return err
		}
		if err := tc.Audit(generic.AuditEntry{
			Action:     generic.AuditLeaveTypeDeleted,
			EntityName: "leave_type",
			EntityID:   string(id),
			OldValue:   generic.Snapshot(cur),
		}); err != nil {
			return err
		}
		return tc.Notify(outbox.Notification{
			Kind:           "leave_type_deleted",
			RecipientGroup: GroupApprovers,
			Message:        fmt.Sprintf("Leave type %s was deleted", cur.Name),
		})
	})
}

func (s *Service) GetLeaveType(ctx context.Context, id TypeID) (*LeaveType, error) {
	var lt *LeaveType
	err := s.read("get_leave_type", func() error {
		var err error
		lt, err = s.store.GetLeaveType(ctx, id)
		if err == nil && lt == nil {
			err = &generic.NotFoundError{Kind: "leave type", ID: string(id)}
		}
		return err
	})
	return lt, err
}

func (s *Service) ListLeaveTypes(ctx context.Context) ([]LeaveType, error) {
	var out []LeaveType
	err := s.read("list_leave_types", func() error {
		var err error
		out, err = s.store.ListLeaveTypes(ctx)
		return err
	})
	return out, err
}
