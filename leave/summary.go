package leave

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/outbox"
)

// QuotaSummary is one line of an employee's balance for a year.
type QuotaSummary struct {
	TypeID    TypeID
	TypeName  string
	Base      generic.Amount
	CarryOver generic.Amount
	Used      generic.Amount
	Remaining generic.Amount
}

// GetQuotaSummary returns base, carry-over, used and remaining per leave type.
func (s *Service) GetQuotaSummary(ctx context.Context, caller Caller, employeeID EmployeeID, year int) ([]QuotaSummary, error) {
	var out []QuotaSummary
	err := s.read("quota_summary", func() error {
		if err := requireSelfOrApprover(caller, employeeID); err != nil {
			return err
		}
		records, err := s.store.ListQuotas(ctx, employeeID, year)
		if err != nil {
			return err
		}
		types, err := s.store.ListLeaveTypes(ctx)
		if err != nil {
			return err
		}
		names := make(map[TypeID]string, len(types))
		for _, lt := range types {
			names[lt.ID] = lt.Name
		}

		out = make([]QuotaSummary, 0, len(records))
		for _, q := range records {
			out = append(out, QuotaSummary{
				TypeID:    q.Key.TypeID,
				TypeName:  names[q.Key.TypeID],
				Base:      q.Base,
				CarryOver: q.CarryOver,
				Used:      q.Used,
				Remaining: q.Remaining(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].TypeName < out[j].TypeName })
		return nil
	})
	return out, err
}

// AllocateQuota sets an employee's base allocation for a type and year. A
// zero base means the type's default. Carry-over is kept, and base is raised
// if needed so remaining never goes negative.
func (s *Service) AllocateQuota(ctx context.Context, caller Caller, key QuotaKey, base generic.Amount) (*QuotaRecord, error) {
	const op = "allocate_quota"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	switch {
	case key.EmployeeID == "":
		err := &generic.ValidationError{Field: "employee_id", Reason: "is required"}
		s.observe(op, err)
		return nil, err
	case key.Year <= 0:
		err := &generic.ValidationError{Field: "year", Reason: "is required"}
		s.observe(op, err)
		return nil, err
	case base.IsNegative() || !base.IsHalfStep():
		err := &generic.ValidationError{Field: "base_days", Reason: "must be a non-negative multiple of 0.5 days"}
		s.observe(op, err)
		return nil, err
	}

	var rec QuotaRecord
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		lt, err := tc.Tx.GetLeaveType(tc.Ctx, key.TypeID)
		if err != nil {
			return err
		}
		if lt == nil {
			return &generic.ValidationError{Field: "leave_type_id", Reason: fmt.Sprintf("unknown leave type %q", key.TypeID)}
		}
		if lt.QuotaExempt {
			return &generic.PolicyViolationError{Rule: "quota_exempt", Reason: lt.Name + " does not use quota records"}
		}

		requested := base
		if requested.IsZero() {
			requested = lt.DefaultBaseDays
		}

		before, err := tc.Ledger.Get(key)
		if err != nil {
			return err
		}
		carry, used := generic.ZeroDays(), generic.ZeroDays()
		if before != nil {
			carry, used = before.CarryOver, before.Used
		}
		capped := generic.ApplyCaps(generic.CapInput{
			TypeName:       lt.Name,
			RequestedBase:  requested,
			RequestedCarry: carry,
			CurrentUsed:    used,
			MaxCarry:       carry,
		})

		rec, err = tc.Ledger.Upsert(key, capped.Base, capped.Carry)
		if err != nil {
			return err
		}

		var old any
		if before != nil {
			old = *before
		}
		if err := tc.Audit(generic.AuditEntry{
			Action:     generic.AuditQuotaAllocated,
			EntityName: "quota_record",
			EntityID:   keyString(key),
			Details:    map[string]any{"requested_base": requested.String(), "adjustments": capped.Adjustments},
			OldValue:   generic.Snapshot(old),
			NewValue:   generic.Snapshot(rec),
		}); err != nil {
			return err
		}

		return tc.Notify(outbox.Notification{
			Kind:        "quota_allocated",
			RecipientID: string(key.EmployeeID),
			Message:     fmt.Sprintf("%s days of %s allocated for %d", rec.Base, lt.Name, key.Year),
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
