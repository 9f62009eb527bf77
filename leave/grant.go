package leave

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/outbox"
)

// =============================================================================
// SPECIAL GRANT - Out-of-band quota that is spent the instant it is created
// =============================================================================

// GrantInput describes a special grant. When BoundRequestID is set the grant
// approves that pending request: TypeID, Year and Amount default to the
// request's and must match it when given.
type GrantInput struct {
	EmployeeID     EmployeeID
	TypeID         TypeID
	Year           int
	Amount         generic.Amount
	Reason         string
	Expiry         *time.Time
	BoundRequestID string
}

func (in GrantInput) validate() error {
	if strings.TrimSpace(string(in.EmployeeID)) == "" {
		return &generic.ValidationError{Field: "employee_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.Reason) == "" {
		return &generic.ValidationError{Field: "reason", Reason: "special grants require a justification"}
	}
	if in.Amount.IsNegative() || !in.Amount.IsHalfStep() {
		return &generic.ValidationError{Field: "amount", Reason: "must be a non-negative multiple of 0.5 days"}
	}
	if in.BoundRequestID == "" {
		if !in.Amount.IsPositive() {
			return &generic.ValidationError{Field: "amount", Reason: "must be positive"}
		}
		if in.TypeID == "" {
			return &generic.ValidationError{Field: "leave_type_id", Reason: "is required"}
		}
	}
	return nil
}

// GrantSpecial records a special grant. The quota record's base and used grow
// by the same amount in one write, so the employee's remaining balance does
// not move. A bound pending request becomes approved without a further debit.
func (s *Service) GrantSpecial(ctx context.Context, caller Caller, in GrantInput) (*SpecialGrant, error) {
	const op = "special_grant"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if EmployeeID(caller.ID) == in.EmployeeID {
		err := forbidden("approvers cannot grant leave to themselves")
		s.observe(op, err)
		return nil, err
	}
	if err := in.validate(); err != nil {
		s.observe(op, err)
		return nil, err
	}

	var (
		grant SpecialGrant
		bound bool
	)
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		bound = false
		typeID, year, amount := in.TypeID, in.Year, in.Amount

		var req *LeaveRequest
		if in.BoundRequestID != "" {
			var err error
			req, err = tc.Tx.GetRequest(tc.Ctx, in.BoundRequestID)
			if err != nil {
				return err
			}
			if req == nil {
				return &generic.NotFoundError{Kind: "leave request", ID: in.BoundRequestID}
			}
			if EmployeeID(caller.ID) == req.EmployeeID {
				return forbidden("approvers cannot grant leave to themselves")
			}
			if req.Status != StatusPending {
				return &generic.InvalidTransitionError{
					From:   string(req.Status),
					To:     string(StatusApproved),
					Reason: "only pending requests can be approved through a special grant",
				}
			}
			if req.EmployeeID != in.EmployeeID {
				return &generic.ValidationError{Field: "bound_request_id", Reason: "request belongs to another employee"}
			}
			if typeID == "" {
				typeID = req.TypeID
			}
			if year == 0 {
				year = req.Year()
			}
			if amount.IsZero() {
				amount = req.TotalDays
			}
			if typeID != req.TypeID || year != req.Year() || !amount.Equal(req.TotalDays) {
				return &generic.ValidationError{
					Field:  "bound_request_id",
					Reason: fmt.Sprintf("grant must cover exactly %s days of %s in %d", req.TotalDays, req.TypeID, req.Year()),
				}
			}
		}
		if year == 0 {
			year = tc.Today().Year()
		}

		lt, err := tc.Tx.GetLeaveType(tc.Ctx, typeID)
		if err != nil {
			return err
		}
		if lt == nil {
			return &generic.ValidationError{Field: "leave_type_id", Reason: fmt.Sprintf("unknown leave type %q", typeID)}
		}
		if lt.QuotaExempt {
			return &generic.PolicyViolationError{Rule: "quota_exempt", Reason: lt.Name + " has no quota to grant against"}
		}

		grant = SpecialGrant{
			ID:             uuid.NewString(),
			EmployeeID:     in.EmployeeID,
			TypeID:         typeID,
			Year:           year,
			Amount:         amount,
			Reason:         in.Reason,
			Expiry:         in.Expiry,
			BoundRequestID: in.BoundRequestID,
			GrantedBy:      caller.ID,
			CreatedAt:      tc.Now,
		}
		if err := tc.Tx.InsertGrant(tc.Ctx, grant); err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}

		key := QuotaKey{EmployeeID: in.EmployeeID, TypeID: typeID, Year: year}
		before, err := tc.Ledger.Get(key)
		if err != nil {
			return err
		}
		after, err := tc.Ledger.Grant(key, amount, grant.ID)
		if err != nil {
			return err
		}

		details := map[string]any{
			"grant_id":      grant.ID,
			"employee_id":   string(in.EmployeeID),
			"leave_type_id": string(typeID),
			"year":          year,
			"amount":        amount.String(),
			"reason":        in.Reason,
		}

		if req != nil {
			approvedAt := tc.Now
			next := *req
			next.Status = StatusApproved
			next.IsSpecialApproved = true
			next.SpecialGrantID = grant.ID
			next.ApproverID = caller.ID
			next.ApprovedAt = &approvedAt
			next.UpdatedAt = tc.Now
			if err := tc.Tx.UpdateRequest(tc.Ctx, next); err != nil {
				return fmt.Errorf("update request: %w", err)
			}
			details["bound_request_id"] = req.ID
			bound = true
		}

		var old any
		if before != nil {
			old = *before
		}
		if err := tc.Audit(generic.AuditEntry{
			Action:     generic.AuditSpecialGrant,
			EntityName: "quota_record",
			EntityID:   keyString(key),
			Details:    details,
			OldValue:   generic.Snapshot(old),
			NewValue:   generic.Snapshot(after),
		}); err != nil {
			return err
		}

		msg := fmt.Sprintf("You received a special grant of %s days of %s for %d", amount, lt.Name, year)
		if req != nil {
			msg = fmt.Sprintf("Your %s request from %s to %s was approved through a special grant", lt.Name, req.StartDate, req.EndDate)
		}
		return tc.Notify(outbox.Notification{
			Kind:            "special_grant",
			RecipientID:     string(in.EmployeeID),
			Message:         msg,
			RelatedEntityID: grant.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	if bound {
		metrics.RecordTransition(string(StatusPending), string(StatusApproved))
	}
	return &grant, nil
}

// ListGrants returns an employee's special grants.
func (s *Service) ListGrants(ctx context.Context, caller Caller, employeeID EmployeeID) ([]SpecialGrant, error) {
	var out []SpecialGrant
	err := s.read("list_grants", func() error {
		if err := requireSelfOrApprover(caller, employeeID); err != nil {
			return err
		}
		var err error
		out, err = s.store.ListGrants(ctx, employeeID)
		return err
	})
	return out, err
}
