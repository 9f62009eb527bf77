package leave

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/generic"
)

// =============================================================================
// SYSTEM YEARS
// =============================================================================

// GetYearConfig returns the stored config for year, or an open default.
func (s *Service) GetYearConfig(ctx context.Context, year int) (*YearConfig, error) {
	var cfg *YearConfig
	err := s.read("get_year_config", func() error {
		var err error
		cfg, err = s.store.GetYearConfig(ctx, year)
		if err == nil && cfg == nil {
			cfg = &YearConfig{Year: year}
		}
		return err
	})
	return cfg, err
}

// CloseYear stops new requests against year.
func (s *Service) CloseYear(ctx context.Context, caller Caller, year int) (*YearConfig, error) {
	return s.updateYear(ctx, caller, "close_year", year, func(tc *TxContext, cfg *YearConfig) (generic.AuditAction, map[string]any, error) {
		if cfg.IsClosed {
			return "", nil, &generic.PolicyViolationError{Rule: "year_closed", Reason: fmt.Sprintf("year %d is already closed", year)}
		}
		closedAt := tc.Now
		cfg.IsClosed = true
		cfg.ClosedAt = &closedAt
		cfg.ClosedBy = tc.Caller.ID
		return generic.AuditYearClosed, nil, nil
	})
}

// ReopenYear reopens a closed year. A justification is mandatory and is kept
// on the config and in the audit trail.
func (s *Service) ReopenYear(ctx context.Context, caller Caller, year int, justification string) (*YearConfig, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		err := &generic.ValidationError{Field: "justification", Reason: "reopening a year requires a justification"}
		s.observe("reopen_year", err)
		return nil, err
	}
	return s.updateYear(ctx, caller, "reopen_year", year, func(tc *TxContext, cfg *YearConfig) (generic.AuditAction, map[string]any, error) {
		if !cfg.IsClosed {
			return "", nil, &generic.PolicyViolationError{Rule: "year_open", Reason: fmt.Sprintf("year %d is not closed", year)}
		}
		cfg.IsClosed = false
		cfg.ClosedAt = nil
		cfg.ClosedBy = ""
		cfg.ReopenJustification = justification
		return generic.AuditYearReopened, map[string]any{"justification": justification}, nil
	})
}

// SetYearMaxConsecutiveDays overrides the per-type consecutive-day cap for
// year. 0 removes the override.
func (s *Service) SetYearMaxConsecutiveDays(ctx context.Context, caller Caller, year, days int) (*YearConfig, error) {
	if days < 0 {
		err := &generic.ValidationError{Field: "max_consecutive_days", Reason: "cannot be negative"}
		s.observe("update_year", err)
		return nil, err
	}
	return s.updateYear(ctx, caller, "update_year", year, func(_ *TxContext, cfg *YearConfig) (generic.AuditAction, map[string]any, error) {
		cfg.MaxConsecutiveDays = days
		return generic.AuditPolicyChanged, map[string]any{"max_consecutive_days": days}, nil
	})
}

func (s *Service) updateYear(
	ctx context.Context,
	caller Caller,
	op string,
	year int,
	apply func(tc *TxContext, cfg *YearConfig) (generic.AuditAction, map[string]any, error),
) (*YearConfig, error) {
	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if year <= 0 {
		err := &generic.ValidationError{Field: "year", Reason: "is required"}
		s.observe(op, err)
		return nil, err
	}

	var cfg YearConfig
	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		if err := tc.Tx.LockYear(tc.Ctx, year, LockExclusive); err != nil {
			return err
		}
		cur, err := tc.Tx.GetYearConfig(tc.Ctx, year)
		if err != nil {
			return err
		}
		cfg = YearConfig{Year: year}
		if cur != nil {
			cfg = *cur
		}

		action, details, err := apply(tc, &cfg)
		if err != nil {
			return err
		}
		cfg.UpdatedAt = tc.Now
		if err := tc.Tx.PutYearConfig(tc.Ctx, cfg); err != nil {
			return fmt.Errorf("put year config %d: %w", year, err)
		}
		return tc.Audit(generic.AuditEntry{
			Action:     action,
			EntityName: "year_config",
			EntityID:   strconv.Itoa(year),
			Details:    details,
			OldValue:   generic.Snapshot(cur),
			NewValue:   generic.Snapshot(cfg),
		})
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// =============================================================================
// HOLIDAYS
// =============================================================================

// AddHoliday stores a public holiday. Recurring holidays repeat every year on
// the same month and day.
func (s *Service) AddHoliday(ctx context.Context, caller Caller, h generic.Holiday) (*generic.Holiday, error) {
	const op = "add_holiday"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if h.Date.IsZero() {
		err := &generic.ValidationError{Field: "date", Reason: "is required"}
		s.observe(op, err)
		return nil, err
	}
	if strings.TrimSpace(h.Name) == "" {
		err := &generic.ValidationError{Field: "name", Reason: "is required"}
		s.observe(op, err)
		return nil, err
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}

	err := s.inTx(ctx, caller, op, func(tc *TxContext) error {
		id, err := tc.Tx.SaveHoliday(tc.Ctx, h)
		if err != nil {
			return err
		}
		h.ID = id
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditHolidayAdded,
			EntityName: "holiday",
			EntityID:   h.ID,
			NewValue:   generic.Snapshot(h),
		})
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteHoliday removes a holiday. Requests already filed keep their day
// counts.
func (s *Service) DeleteHoliday(ctx context.Context, caller Caller, id string) error {
	const op = "delete_holiday"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return err
	}
	return s.inTx(ctx, caller, op, func(tc *TxContext) error {
		if err := tc.Tx.DeleteHoliday(tc.Ctx, id); err != nil {
			return err
		}
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditHolidayDeleted,
			EntityName: "holiday",
			EntityID:   id,
		})
	})
}

func (s *Service) ListHolidays(ctx context.Context) ([]generic.Holiday, error) {
	var out []generic.Holiday
	err := s.read("list_holidays", func() error {
		var err error
		out, err = s.store.ListHolidays(ctx)
		return err
	})
	return out, err
}

// CountDays previews the chargeable days of a range without filing a request.
func (s *Service) CountDays(ctx context.Context, p generic.Period, start, end generic.DayPortion) (generic.Amount, error) {
	if err := p.Validate(); err != nil {
		return generic.Amount{}, err
	}
	if start == "" {
		start = generic.PortionFull
	}
	if end == "" {
		end = generic.PortionFull
	}
	if !start.IsValid() || !end.IsValid() {
		return generic.Amount{}, &generic.ValidationError{Field: "portion", Reason: "unknown day portion"}
	}
	holidays, err := s.store.Holidays(ctx, p)
	if err != nil {
		return generic.Amount{}, err
	}
	return generic.CountLeaveDays(p, start, end, generic.NewHolidaySet(holidays, p)), nil
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAudit queries the audit trail. Approvers only.
func (s *Service) ListAudit(ctx context.Context, caller Caller, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	var out []generic.AuditEntry
	err := s.read("list_audit", func() error {
		if err := requireApprover(caller); err != nil {
			return err
		}
		var err error
		out, err = s.store.ListAudit(ctx, filter)
		return err
	})
	return out, err
}
