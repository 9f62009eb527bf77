/*
request.go - Leave request lifecycle

PURPOSE:
  Creates requests and moves them through the approval state machine. The
  ledger is touched at exactly two points: approval debits, and a granted
  withdrawal refunds.

STATE MACHINE:

            create
              │
              ▼
         ┌─────────┐  reject   ┌──────────┐
         │ pending │──────────▶│ rejected │
         └─────────┘           └──────────┘
              │ approve (debit)
              ▼
         ┌──────────┐  withdraw (owner, before start)
         │ approved │──────────────────────┐
         └──────────┘                      ▼
              ▲  deny              ┌──────────────────┐
              └────────────────────│ withdraw_pending │
                                   └──────────────────┘
                                           │ grant (refund)
                                           ▼
                                     ┌───────────┐
                                     │ cancelled │
                                     └───────────┘

EXPIRED REQUESTS:
  A pending request whose start date has passed can only be rejected, or
  approved through a special grant (see grant.go).

SPECIAL-APPROVED REQUESTS:
  Requests approved through a special grant were never debited by approval,
  so cancelling them refunds nothing.

SEE ALSO:
  - ledger.go: Debit and refund
  - grant.go: Special approval path
*/
package leave

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/outbox"
)

// CreateRequestInput is a new leave request.
type CreateRequestInput struct {
	EmployeeID    EmployeeID
	TypeID        TypeID
	StartDate     generic.TimePoint
	EndDate       generic.TimePoint
	StartPortion  generic.DayPortion
	EndPortion    generic.DayPortion
	Reason        string
	AttachmentRef string
}

func (in *CreateRequestInput) validate() error {
	if strings.TrimSpace(string(in.EmployeeID)) == "" {
		return &generic.ValidationError{Field: "employee_id", Reason: "is required"}
	}
	if strings.TrimSpace(string(in.TypeID)) == "" {
		return &generic.ValidationError{Field: "leave_type_id", Reason: "is required"}
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return &generic.ValidationError{Field: "dates", Reason: "start and end dates are required"}
	}
	if err := (generic.Period{Start: in.StartDate, End: in.EndDate}).Validate(); err != nil {
		return err
	}
	if in.StartPortion == "" {
		in.StartPortion = generic.PortionFull
	}
	if in.EndPortion == "" {
		in.EndPortion = generic.PortionFull
	}
	if !in.StartPortion.IsValid() {
		return &generic.ValidationError{Field: "start_portion", Reason: fmt.Sprintf("unknown portion %q", in.StartPortion)}
	}
	if !in.EndPortion.IsValid() {
		return &generic.ValidationError{Field: "end_portion", Reason: fmt.Sprintf("unknown portion %q", in.EndPortion)}
	}
	return nil
}

// CreateRequest files a pending request. Nothing is debited until approval,
// but the remaining balance must already cover the request.
func (s *Service) CreateRequest(ctx context.Context, caller Caller, in CreateRequestInput) (*LeaveRequest, error) {
	const op = "create_request"

	if err := in.validate(); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if err := requireSelfOrApprover(caller, in.EmployeeID); err != nil {
		s.observe(op, err)
		return nil, err
	}
	period := generic.Period{Start: in.StartDate, End: in.EndDate}
	if period.SpansYears() {
		err := &generic.PolicyViolationError{
			Rule:   "cross_year",
			Reason: "a request cannot span two calendar years; split it at the year boundary",
		}
		s.observe(op, err)
		return nil, err
	}

	var created LeaveRequest
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		if err := tc.Tx.LockEmployee(tc.Ctx, in.EmployeeID); err != nil {
			return err
		}
		lt, err := tc.Tx.GetLeaveType(tc.Ctx, in.TypeID)
		if err != nil {
			return err
		}
		if lt == nil {
			return &generic.ValidationError{Field: "leave_type_id", Reason: fmt.Sprintf("unknown leave type %q", in.TypeID)}
		}

		year := in.StartDate.Year()
		yc, err := openYear(tc, year)
		if err != nil {
			return err
		}
		if yc.IsClosed {
			return &generic.PolicyViolationError{
				Rule:   "year_closed",
				Reason: fmt.Sprintf("year %d is closed for new requests", year),
			}
		}

		holidays, err := tc.Tx.Holidays(tc.Ctx, period)
		if err != nil {
			return err
		}
		days := generic.CountLeaveDays(period, in.StartPortion, in.EndPortion, generic.NewHolidaySet(holidays, period))
		if !days.IsPositive() {
			return &generic.ValidationError{Field: "dates", Reason: "the range contains no working days"}
		}

		limit := lt.MaxConsecutiveDays
		if yc.MaxConsecutiveDays > 0 {
			limit = yc.MaxConsecutiveDays
		}
		if limit > 0 && days.GreaterThan(generic.Days(float64(limit))) {
			return &generic.PolicyViolationError{
				Rule:   "max_consecutive_days",
				Reason: fmt.Sprintf("%s days requested, %s allows at most %d consecutive days", days, lt.Name, limit),
			}
		}

		overlapping, err := tc.Tx.FindOverlapping(tc.Ctx, in.EmployeeID, period, ActiveStatuses)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			return &generic.PolicyViolationError{
				Rule:   "overlap",
				Reason: fmt.Sprintf("overlaps request %s (%s)", overlapping[0].ID, overlapping[0].Status),
			}
		}

		key := QuotaKey{EmployeeID: in.EmployeeID, TypeID: in.TypeID, Year: year}
		if !lt.QuotaExempt {
			q, err := tc.Ledger.Get(key)
			if err != nil {
				return err
			}
			if q == nil {
				return missingQuota(key)
			}
			if remaining := q.Remaining(); days.GreaterThan(remaining) {
				return &generic.InsufficientBalanceError{
					EntityID:  in.EmployeeID,
					Resource:  string(in.TypeID),
					Year:      year,
					Available: remaining,
					Requested: days,
					Shortfall: days.Sub(remaining),
				}
			}
		}

		created = LeaveRequest{
			ID:            uuid.NewString(),
			EmployeeID:    in.EmployeeID,
			TypeID:        in.TypeID,
			StartDate:     in.StartDate,
			EndDate:       in.EndDate,
			StartPortion:  in.StartPortion,
			EndPortion:    in.EndPortion,
			TotalDays:     days,
			Reason:        in.Reason,
			AttachmentRef: in.AttachmentRef,
			Status:        StatusPending,
			CreatedAt:     tc.Now,
			UpdatedAt:     tc.Now,
		}
		if err := tc.Tx.InsertRequest(tc.Ctx, created); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}

		if err := tc.Audit(generic.AuditEntry{
			Action:     generic.AuditRequestCreated,
			EntityName: "leave_request",
			EntityID:   created.ID,
			Details:    map[string]any{"employee_id": string(in.EmployeeID), "leave_type_id": string(in.TypeID), "days": days.String()},
			NewValue:   generic.Snapshot(created),
		}); err != nil {
			return err
		}

		return tc.Notify(outbox.Notification{
			Kind:            "request_created",
			RecipientGroup:  GroupApprovers,
			Message:         fmt.Sprintf("%s requested %s days of %s from %s to %s", in.EmployeeID, days, lt.Name, in.StartDate, in.EndDate),
			RelatedEntityID: created.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// openYear takes the shared year lock and returns the year's config, an open
// default when none is stored. Closing a year waits for every holder.
func openYear(tc *TxContext, year int) (*YearConfig, error) {
	if err := tc.Tx.LockYear(tc.Ctx, year, LockShared); err != nil {
		return nil, err
	}
	yc, err := tc.Tx.GetYearConfig(tc.Ctx, year)
	if err != nil || yc != nil {
		return yc, err
	}
	return &YearConfig{Year: year}, nil
}

// TransitionRequest applies an approver decision: approve or reject a pending
// request, or grant (cancelled) or deny (approved) a pending withdrawal.
func (s *Service) TransitionRequest(ctx context.Context, caller Caller, requestID string, target Status, reason string) (*LeaveRequest, error) {
	const op = "transition_request"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if !target.IsValid() {
		err := &generic.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", target)}
		s.observe(op, err)
		return nil, err
	}

	var (
		updated LeaveRequest
		from    Status
	)
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		req, err := tc.Tx.GetRequest(tc.Ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return &generic.NotFoundError{Kind: "leave request", ID: requestID}
		}
		if EmployeeID(caller.ID) == req.EmployeeID {
			return forbidden("approvers cannot decide on their own requests")
		}

		from = req.Status
		if target == StatusWithdrawPending {
			return &generic.InvalidTransitionError{From: string(from), To: string(target), Reason: "withdrawals are requested by the employee"}
		}
		if !from.CanTransitionTo(target) {
			return &generic.InvalidTransitionError{From: string(from), To: string(target)}
		}

		lt, err := tc.Tx.GetLeaveType(tc.Ctx, req.TypeID)
		if err != nil {
			return err
		}
		if lt == nil {
			return &generic.InvariantViolationError{Invariant: "request_type_exists", Detail: "request " + req.ID + " references a missing leave type"}
		}

		before := *req
		next := *req
		next.Status = target
		next.UpdatedAt = tc.Now

		var (
			action generic.AuditAction
			note   outbox.Notification
		)
		note.RecipientID = string(req.EmployeeID)
		note.RelatedEntityID = req.ID

		switch {
		case from == StatusPending && target == StatusApproved:
			if req.StartDate.Before(tc.Today()) {
				return &generic.PolicyViolationError{
					Rule:   "expired_request",
					Reason: "the start date has passed; reject the request or approve it through a special grant",
				}
			}
			yc, err := openYear(tc, req.StartDate.Year())
			if err != nil {
				return err
			}
			if yc.IsClosed {
				return &generic.PolicyViolationError{
					Rule:   "year_closed",
					Reason: fmt.Sprintf("year %d is closed and its balances carried over; approve through a special grant", yc.Year),
				}
			}
			if !lt.QuotaExempt {
				if _, err := tc.Ledger.IncrementUsed(req.QuotaKey(), req.TotalDays, Justification{RequestID: req.ID}); err != nil {
					return err
				}
			}
			approvedAt := tc.Now
			next.ApproverID = caller.ID
			next.ApprovedAt = &approvedAt
			action = generic.AuditRequestApproved
			note.Kind = "request_approved"
			note.Message = fmt.Sprintf("Your %s request from %s to %s was approved", lt.Name, req.StartDate, req.EndDate)

		case from == StatusPending && target == StatusRejected:
			next.ApproverID = caller.ID
			next.RejectionReason = reason
			next.AttachmentRef = ""
			if err := tc.ReleaseAttachment(req.ID, req.AttachmentRef); err != nil {
				return err
			}
			action = generic.AuditRequestRejected
			note.Kind = "request_rejected"
			note.Message = fmt.Sprintf("Your %s request from %s to %s was rejected", lt.Name, req.StartDate, req.EndDate)

		case from == StatusWithdrawPending && target == StatusCancelled:
			if !lt.QuotaExempt && !req.IsSpecialApproved {
				if _, err := tc.Ledger.DecrementUsed(req.QuotaKey(), req.TotalDays, Justification{RequestID: req.ID}); err != nil {
					return err
				}
			}
			next.AttachmentRef = ""
			if err := tc.ReleaseAttachment(req.ID, req.AttachmentRef); err != nil {
				return err
			}
			action = generic.AuditWithdrawGranted
			note.Kind = "withdraw_granted"
			note.Message = fmt.Sprintf("Your withdrawal of %s from %s to %s was granted", lt.Name, req.StartDate, req.EndDate)

		case from == StatusWithdrawPending && target == StatusApproved:
			next.CancelReason = ""
			action = generic.AuditWithdrawDenied
			note.Kind = "withdraw_denied"
			note.Message = fmt.Sprintf("Your withdrawal of %s from %s to %s was denied", lt.Name, req.StartDate, req.EndDate)

		default:
			return &generic.InvalidTransitionError{From: string(from), To: string(target)}
		}

		if err := tc.Tx.UpdateRequest(tc.Ctx, next); err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		details := map[string]any{"from": string(from), "to": string(target)}
		if reason != "" {
			details["reason"] = reason
		}
		if err := tc.Audit(generic.AuditEntry{
			Action:     action,
			EntityName: "leave_request",
			EntityID:   req.ID,
			Details:    details,
			OldValue:   generic.Snapshot(before),
			NewValue:   generic.Snapshot(next),
		}); err != nil {
			return err
		}

		updated = next
		return tc.Notify(note)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(string(from), string(target))
	return &updated, nil
}

// WithdrawRequest asks to cancel an approved request. Only the owner may ask,
// and only before the leave starts. Nothing is refunded until an approver
// grants the withdrawal.
func (s *Service) WithdrawRequest(ctx context.Context, caller Caller, requestID, reason string) (*LeaveRequest, error) {
	const op = "withdraw_request"

	var updated LeaveRequest
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		req, err := tc.Tx.GetRequest(tc.Ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return &generic.NotFoundError{Kind: "leave request", ID: requestID}
		}
		if EmployeeID(caller.ID) != req.EmployeeID {
			return forbidden("only the requester may withdraw a request")
		}
		if !req.Status.CanTransitionTo(StatusWithdrawPending) {
			return &generic.InvalidTransitionError{
				From:   string(req.Status),
				To:     string(StatusWithdrawPending),
				Reason: "only approved requests can be withdrawn",
			}
		}
		if !req.StartDate.After(tc.Today()) {
			return &generic.PolicyViolationError{
				Rule:   "leave_started",
				Reason: "a request can only be withdrawn before its start date",
			}
		}

		before := *req
		next := *req
		next.Status = StatusWithdrawPending
		next.CancelReason = reason
		next.UpdatedAt = tc.Now
		if err := tc.Tx.UpdateRequest(tc.Ctx, next); err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		if err := tc.Audit(generic.AuditEntry{
			Action:     generic.AuditWithdrawRequested,
			EntityName: "leave_request",
			EntityID:   req.ID,
			Details:    map[string]any{"reason": reason},
			OldValue:   generic.Snapshot(before),
			NewValue:   generic.Snapshot(next),
		}); err != nil {
			return err
		}

		updated = next
		return tc.Notify(outbox.Notification{
			Kind:            "withdraw_requested",
			RecipientGroup:  GroupApprovers,
			Message:         fmt.Sprintf("%s asked to withdraw leave from %s to %s", req.EmployeeID, req.StartDate, req.EndDate),
			RelatedEntityID: req.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(string(StatusApproved), string(StatusWithdrawPending))
	return &updated, nil
}

// GetRequest returns one request visible to caller.
func (s *Service) GetRequest(ctx context.Context, caller Caller, requestID string) (*LeaveRequest, error) {
	var req *LeaveRequest
	err := s.read("get_request", func() error {
		r, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r == nil {
			return &generic.NotFoundError{Kind: "leave request", ID: requestID}
		}
		if err := requireSelfOrApprover(caller, r.EmployeeID); err != nil {
			return err
		}
		req = r
		return nil
	})
	return req, err
}

// ListRequests lists requests. Employees only ever see their own.
func (s *Service) ListRequests(ctx context.Context, caller Caller, filter RequestFilter) ([]LeaveRequest, error) {
	if !caller.IsApprover() {
		if filter.EmployeeID != "" && filter.EmployeeID != EmployeeID(caller.ID) {
			err := forbidden("employees may only list their own requests")
			s.observe("list_requests", err)
			return nil, err
		}
		filter.EmployeeID = EmployeeID(caller.ID)
	}
	var out []LeaveRequest
	err := s.read("list_requests", func() error {
		var err error
		out, err = s.store.ListRequests(ctx, filter)
		return err
	})
	return out, err
}
