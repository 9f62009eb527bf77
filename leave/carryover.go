/*
carryover.go - Year-end carry-over batch

PURPOSE:
  Moves unused quota of the prior year into the target year's records, then
  closes the prior year.

FLOW:
  1. Acquire the processing lock "carryover:<target>"; fail fast if held
  2. Close the prior year under its exclusive year lock, refusing a year
     that is already closed. Approvals hold the shared lock, so this waits
     for in-flight ones, and later ones see the closed year and are refused.
  3. For every prior-year record, in parallel and each in its own transaction:

       remaining  = max(base + carry - used, 0)
       finalCarry = ApplyCaps(policy base, remaining, used).Carry
       new record : carry = max(existing carry, finalCarry)

  4. Record completion (audit + notification)

IDEMPOTENCE:
  The merge in step 3 is monotonic: running a pair twice leaves the record
  unchanged. If step 3 fails the prior year is reopened with the error as
  justification and the batch can simply be rerun. A rerun after success is
  rejected until the prior year is reopened.

SEE ALSO:
  - policy.go: PolicyConfig and type defaults
  - lock/: Local and Redis processing locks
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/lock"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/outbox"
)

// CarryOverResult summarizes one batch run.
type CarryOverResult struct {
	TargetYear int
	PriorYear  int
	Processed  int // pairs examined
	Written    int // records created or raised
}

// RunCarryOver carries the prior year's unused quota into targetYear.
// Types missing from policies use their LeaveType defaults.
func (s *Service) RunCarryOver(ctx context.Context, caller Caller, targetYear int, policies PolicyConfig) (*CarryOverResult, error) {
	const op = "carry_over"

	if err := requireApprover(caller); err != nil {
		s.observe(op, err)
		return nil, err
	}
	if targetYear <= 1 {
		err := &generic.ValidationError{Field: "target_year", Reason: "is required"}
		s.observe(op, err)
		return nil, err
	}
	prior := targetYear - 1

	res, err := s.runCarryOver(ctx, caller, targetYear, prior, policies)
	if err != nil {
		s.observe(op, err)
		return nil, err
	}

	metrics.RecordCarryOver(strconv.Itoa(targetYear), res.Written)
	s.logger.Info("carry-over completed",
		zap.Int("target_year", targetYear),
		zap.Int("processed", res.Processed),
		zap.Int("written", res.Written))
	return res, nil
}

func (s *Service) runCarryOver(ctx context.Context, caller Caller, targetYear, prior int, policies PolicyConfig) (*CarryOverResult, error) {
	unlock, err := s.locker.TryLock(ctx, fmt.Sprintf("carryover:%d", targetYear))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, &generic.ConcurrencyConflictError{Resource: fmt.Sprintf("carry-over %d", targetYear), Err: err}
		}
		return nil, fmt.Errorf("acquire carry-over lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release carry-over lock", zap.Int("target_year", targetYear), zap.Error(err))
		}
	}()

	types, err := s.store.ListLeaveTypes(ctx)
	if err != nil {
		return nil, err
	}
	if err := policies.Validate(types); err != nil {
		return nil, err
	}
	byID := make(map[TypeID]LeaveType, len(types))
	for _, lt := range types {
		byID[lt.ID] = lt
	}

	if err := s.freezeYear(ctx, caller, prior, targetYear); err != nil {
		return nil, err
	}

	// The prior year takes no more ordinary approvals from here on, so the
	// balances read below are final.
	res, err := s.carryRecords(ctx, caller, byID, policies, prior, targetYear)
	if err != nil {
		s.thawYear(ctx, caller, prior, targetYear, err)
		return nil, err
	}

	err = s.inTx(ctx, caller, "carry_over_completed", func(tc *TxContext) error {
		if err := tc.Audit(generic.AuditEntry{
			Action:     generic.AuditCarryOverCompleted,
			EntityName: "year_config",
			EntityID:   strconv.Itoa(prior),
			Details: map[string]any{
				"target_year": targetYear,
				"processed":   res.Processed,
				"written":     res.Written,
			},
		}); err != nil {
			return err
		}
		return tc.Notify(outbox.Notification{
			Kind:           "carry_over_completed",
			RecipientGroup: GroupEveryone,
			Message:        fmt.Sprintf("Unused %d leave has been carried over into %d", prior, targetYear),
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// freezeYear closes the prior year under its exclusive lock. It waits for
// in-flight approvals of that year and refuses a year that is already closed.
func (s *Service) freezeYear(ctx context.Context, caller Caller, prior, targetYear int) error {
	return s.inTx(ctx, caller, "close_year", func(tc *TxContext) error {
		if err := tc.Tx.LockYear(tc.Ctx, prior, LockExclusive); err != nil {
			return err
		}
		cur, err := tc.Tx.GetYearConfig(tc.Ctx, prior)
		if err != nil {
			return err
		}
		cfg := YearConfig{Year: prior}
		if cur != nil {
			cfg = *cur
		}
		if cfg.IsClosed {
			return &generic.PolicyViolationError{
				Rule:   "year_closed",
				Reason: fmt.Sprintf("carry-over into %d already ran; reopen %d to run it again", targetYear, prior),
			}
		}
		closedAt := tc.Now
		cfg.IsClosed = true
		cfg.ClosedAt = &closedAt
		cfg.ClosedBy = caller.ID
		cfg.UpdatedAt = tc.Now
		if err := tc.Tx.PutYearConfig(tc.Ctx, cfg); err != nil {
			return fmt.Errorf("close year %d: %w", prior, err)
		}
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditYearClosed,
			EntityName: "year_config",
			EntityID:   strconv.Itoa(prior),
			Details:    map[string]any{"carry_over_into": targetYear},
			OldValue:   generic.Snapshot(cur),
			NewValue:   generic.Snapshot(cfg),
		})
	})
}

// thawYear reopens the prior year after a failed batch so it can be rerun.
// Pairs already written stay; the merge makes the rerun a no-op for them.
func (s *Service) thawYear(ctx context.Context, caller Caller, prior, targetYear int, cause error) {
	justification := fmt.Sprintf("carry-over into %d failed: %v", targetYear, cause)
	ctx = context.WithoutCancel(ctx)
	err := s.inTx(ctx, caller, "reopen_year", func(tc *TxContext) error {
		if err := tc.Tx.LockYear(tc.Ctx, prior, LockExclusive); err != nil {
			return err
		}
		cur, err := tc.Tx.GetYearConfig(tc.Ctx, prior)
		if err != nil {
			return err
		}
		if cur == nil || !cur.IsClosed {
			tc.Unchanged()
			return nil
		}
		cfg := *cur
		cfg.IsClosed = false
		cfg.ClosedAt = nil
		cfg.ClosedBy = ""
		cfg.ReopenJustification = justification
		cfg.UpdatedAt = tc.Now
		if err := tc.Tx.PutYearConfig(tc.Ctx, cfg); err != nil {
			return fmt.Errorf("reopen year %d: %w", prior, err)
		}
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditYearReopened,
			EntityName: "year_config",
			EntityID:   strconv.Itoa(prior),
			Details:    map[string]any{"justification": justification},
			OldValue:   generic.Snapshot(cur),
			NewValue:   generic.Snapshot(cfg),
		})
	})
	if err != nil {
		s.logger.Error("reopen year after failed carry-over; reopen it manually before rerunning",
			zap.Int("year", prior), zap.Error(err))
	}
}

func (s *Service) carryRecords(ctx context.Context, caller Caller, byID map[TypeID]LeaveType, policies PolicyConfig, prior, targetYear int) (*CarryOverResult, error) {
	records, err := s.store.ListQuotasByYear(ctx, prior)
	if err != nil {
		return nil, err
	}

	var processed, written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.CarryOverWorkers)
	for _, q := range records {
		lt, ok := byID[q.Key.TypeID]
		if !ok || lt.QuotaExempt {
			continue
		}
		key := q.Key
		pol := policies.For(lt)
		g.Go(func() error {
			changed, err := s.carryPair(gctx, caller, key, lt, pol, targetYear)
			if err != nil {
				return err
			}
			processed.Add(1)
			if changed {
				written.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &CarryOverResult{
		TargetYear: targetYear,
		PriorYear:  prior,
		Processed:  int(processed.Load()),
		Written:    int(written.Load()),
	}, nil
}

// carryPair merges one employee/type pair into the target year. It reports
// whether a record was written.
func (s *Service) carryPair(ctx context.Context, caller Caller, priorKey QuotaKey, lt LeaveType, pol TypePolicy, targetYear int) (bool, error) {
	var changed bool
	err := s.inTx(ctx, caller, "carry_over_pair", func(tc *TxContext) error {
		changed = false

		prev, err := tc.Ledger.Get(priorKey)
		if err != nil {
			return err
		}
		if prev == nil {
			tc.Unchanged()
			return nil
		}

		key := QuotaKey{EmployeeID: priorKey.EmployeeID, TypeID: priorKey.TypeID, Year: targetYear}
		next, err := tc.Ledger.Get(key)
		if err != nil {
			return err
		}

		base, used := pol.BaseDays, generic.ZeroDays()
		if next != nil {
			base, used = next.Base, next.Used
		}
		remaining := prev.Remaining().Floor0()
		capped := generic.ApplyCaps(generic.CapInput{
			TypeName:       lt.Name,
			RequestedBase:  base,
			RequestedCarry: remaining,
			CurrentUsed:    used,
			MaxCarry:       pol.MaxCarryOverDays,
			MaxTotal:       pol.MaxTotalDays,
		})

		var newBase, newCarry generic.Amount
		if next != nil {
			newBase = next.Base
			newCarry = next.CarryOver.Max(capped.Carry)
			if newCarry.Equal(next.CarryOver) {
				tc.Unchanged()
				return nil
			}
		} else {
			newBase = capped.Base
			newCarry = capped.Carry
		}

		after, err := tc.Ledger.Upsert(key, newBase, newCarry)
		if err != nil {
			return err
		}
		changed = true

		var old any
		if next != nil {
			old = *next
		}
		return tc.Audit(generic.AuditEntry{
			Action:     generic.AuditQuotaCarriedOver,
			EntityName: "quota_record",
			EntityID:   keyString(key),
			Details: map[string]any{
				"from_year":   priorKey.Year,
				"remaining":   remaining.String(),
				"carry":       newCarry.String(),
				"adjustments": capped.Adjustments,
			},
			OldValue: generic.Snapshot(old),
			NewValue: generic.Snapshot(after),
		})
	})
	return changed, err
}
