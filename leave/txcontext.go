/*
txcontext.go - One business operation, one transaction

PURPOSE:
  TxContext is the explicit handle every mutating operation receives. It
  carries the open transaction, the caller, a frozen "now", and the quota
  ledger bound to that transaction. Nothing else can mutate state.

GUARANTEES:
  Service.inTx commits only when the operation:
    - returned nil, and
    - wrote at least one audit entry (unless it declared itself a no-op)

  Notifications written through Notify land in the outbox table inside the
  same transaction. They are delivered after commit by the outbox dispatcher,
  never from inside the transaction.

RETRIES:
  A ConcurrencyConflict (lost row race, serialization failure) reruns the
  whole operation from scratch, up to Config.TxRetryAttempts times.

SEE ALSO:
  - ledger.go: QuotaLedger bound to a TxContext
  - outbox/dispatcher.go: Delivers committed notifications
*/
package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/outbox"
)

// TxContext is the transaction-scoped context of one operation.
type TxContext struct {
	Ctx    context.Context
	Tx     Tx
	Caller Caller
	Now    time.Time
	Ledger *QuotaLedger

	op       string
	audits   int
	readOnly bool
}

// Today is the calendar date of Now.
func (tc *TxContext) Today() generic.TimePoint {
	return generic.Today(tc.Now)
}

// Audit appends one audit entry. ID, timestamp and actor are filled in.
func (tc *TxContext) Audit(e generic.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Timestamp = tc.Now
	if e.ActorID == "" {
		e.ActorID = tc.Caller.ID
	}
	if err := tc.Tx.AppendAudit(tc.Ctx, e); err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	tc.audits++
	return nil
}

// Notify queues a notification for delivery after commit.
func (tc *TxContext) Notify(n outbox.Notification) error {
	e, err := outbox.NewNotificationEvent(n)
	if err != nil {
		return err
	}
	return tc.Tx.AppendOutbox(tc.Ctx, e)
}

// ReleaseAttachment queues the release of a request's attachment reference.
func (tc *TxContext) ReleaseAttachment(requestID, ref string) error {
	if ref == "" {
		return nil
	}
	e, err := outbox.NewAttachmentReleaseEvent(requestID, ref)
	if err != nil {
		return err
	}
	return tc.Tx.AppendOutbox(tc.Ctx, e)
}

// Unchanged declares that the operation found nothing to write, which
// exempts it from the audit requirement.
func (tc *TxContext) Unchanged() {
	tc.readOnly = true
}

// inTx runs fn in a transaction with retries on concurrency conflicts.
func (s *Service) inTx(ctx context.Context, caller Caller, op string, fn func(tc *TxContext) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.store.WithTx(ctx, func(tx Tx) error {
			tc := &TxContext{
				Ctx:    ctx,
				Tx:     tx,
				Caller: caller,
				Now:    s.now().UTC(),
				op:     op,
			}
			tc.Ledger = &QuotaLedger{tc: tc}

			if err := fn(tc); err != nil {
				return err
			}
			if tc.audits == 0 && !tc.readOnly {
				return &generic.InvariantViolationError{
					Invariant: "audited_mutation",
					Detail:    op + " wrote no audit record",
				}
			}
			return nil
		})

		if err == nil || !generic.IsRetryable(err) || attempt >= s.cfg.TxRetryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	if err != nil {
		s.observe(op, err)
	}
	return err
}

// read runs a read-only query and records failures.
func (s *Service) read(op string, fn func() error) error {
	if err := fn(); err != nil {
		s.observe(op, err)
		return err
	}
	return nil
}
