/*
ledger.go - Quota ledger bound to one transaction

PURPOSE:
  The only code path that changes a QuotaRecord. Every mutation re-checks the
  ledger invariants before writing, so a committed record always satisfies:

    base >= 0, carryOver >= 0, used >= 0
    used <= base + carryOver

  A mutation that would break one of these aborts the whole transaction with
  an InvariantViolation.

JUSTIFICATION:
  Every change to used names exactly one cause: the request that consumed
  (or released) the days, or the special grant that injected them.

OPTIMISTIC VERSIONS:
  Records carry a version. PutQuota only overwrites the version that was read,
  so two writers that both saw "no record" or the same version cannot both
  commit; the loser gets a ConcurrencyConflict and the operation retries.

SEE ALSO:
  - txcontext.go: Owns the ledger
  - request.go: Debits on approval, refunds on withdrawal
  - grant.go: Special grant single-write injection
*/
package leave

import (
	"fmt"

	"github.com/warp/leave-ledger/generic"
)

// Justification names the cause of a change to used. Exactly one ID is set.
type Justification struct {
	RequestID string
	GrantID   string
}

func (j Justification) validate() error {
	if (j.RequestID == "") == (j.GrantID == "") {
		return &generic.InvariantViolationError{
			Invariant: "justified_consumption",
			Detail:    "a change to used must reference exactly one request or special grant",
		}
	}
	return nil
}

// QuotaLedger reads and writes quota records inside a transaction.
type QuotaLedger struct {
	tc *TxContext
}

// Get returns the record for key, locked for the rest of the transaction, or
// nil if none exists.
func (l *QuotaLedger) Get(key QuotaKey) (*QuotaRecord, error) {
	q, err := l.tc.Tx.GetQuota(l.tc.Ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get quota %s: %w", keyString(key), err)
	}
	return q, nil
}

// Upsert writes base and carry-over for key, preserving used. The record is
// created if missing.
func (l *QuotaLedger) Upsert(key QuotaKey, base, carry generic.Amount) (QuotaRecord, error) {
	q, err := l.Get(key)
	if err != nil {
		return QuotaRecord{}, err
	}
	rec := QuotaRecord{Key: key, Used: generic.ZeroDays()}
	if q != nil {
		rec = *q
	}
	rec.Base = base
	rec.CarryOver = carry
	return l.put(rec)
}

// IncrementUsed consumes amount from key. It fails with
// InsufficientBalanceError when remaining does not cover amount and with a
// policy violation when no record was allocated.
func (l *QuotaLedger) IncrementUsed(key QuotaKey, amount generic.Amount, j Justification) (QuotaRecord, error) {
	if err := j.validate(); err != nil {
		return QuotaRecord{}, err
	}
	if !amount.IsPositive() {
		return QuotaRecord{}, &generic.InvariantViolationError{
			Invariant: "positive_consumption",
			Detail:    fmt.Sprintf("consumption of %s days on %s", amount, keyString(key)),
		}
	}

	q, err := l.Get(key)
	if err != nil {
		return QuotaRecord{}, err
	}
	if q == nil {
		return QuotaRecord{}, missingQuota(key)
	}

	remaining := q.Remaining()
	if amount.GreaterThan(remaining) {
		return QuotaRecord{}, &generic.InsufficientBalanceError{
			EntityID:  key.EmployeeID,
			Resource:  string(key.TypeID),
			Year:      key.Year,
			Available: remaining,
			Requested: amount,
			Shortfall: amount.Sub(remaining),
		}
	}

	rec := *q
	rec.Used = rec.Used.Add(amount)
	return l.put(rec)
}

// DecrementUsed returns amount to key. Driving used below zero is a defect.
func (l *QuotaLedger) DecrementUsed(key QuotaKey, amount generic.Amount, j Justification) (QuotaRecord, error) {
	if err := j.validate(); err != nil {
		return QuotaRecord{}, err
	}

	q, err := l.Get(key)
	if err != nil {
		return QuotaRecord{}, err
	}
	if q == nil {
		return QuotaRecord{}, &generic.InvariantViolationError{
			Invariant: "refund_target_exists",
			Detail:    "refund against missing quota record " + keyString(key),
		}
	}

	rec := *q
	rec.Used = rec.Used.Sub(amount)
	return l.put(rec)
}

// Grant injects amount as already-spent quota: base and used both grow by
// amount in one write, so remaining is unchanged.
func (l *QuotaLedger) Grant(key QuotaKey, amount generic.Amount, grantID string) (QuotaRecord, error) {
	if err := (Justification{GrantID: grantID}).validate(); err != nil {
		return QuotaRecord{}, err
	}

	q, err := l.Get(key)
	if err != nil {
		return QuotaRecord{}, err
	}
	rec := QuotaRecord{Key: key, Base: generic.ZeroDays(), CarryOver: generic.ZeroDays(), Used: generic.ZeroDays()}
	if q != nil {
		rec = *q
	}
	rec.Base = rec.Base.Add(amount)
	rec.Used = rec.Used.Add(amount)
	return l.put(rec)
}

func (l *QuotaLedger) put(rec QuotaRecord) (QuotaRecord, error) {
	if err := checkQuota(rec); err != nil {
		return QuotaRecord{}, err
	}
	rec.UpdatedAt = l.tc.Now
	if err := l.tc.Tx.PutQuota(l.tc.Ctx, rec); err != nil {
		return QuotaRecord{}, fmt.Errorf("put quota %s: %w", keyString(rec.Key), err)
	}
	rec.Version++
	return rec, nil
}

func checkQuota(q QuotaRecord) error {
	key := keyString(q.Key)
	switch {
	case q.Base.IsNegative():
		return &generic.InvariantViolationError{Invariant: "non_negative_base", Detail: key + " base " + q.Base.String()}
	case q.CarryOver.IsNegative():
		return &generic.InvariantViolationError{Invariant: "non_negative_carry_over", Detail: key + " carry-over " + q.CarryOver.String()}
	case q.Used.IsNegative():
		return &generic.InvariantViolationError{Invariant: "non_negative_used", Detail: key + " used " + q.Used.String()}
	case q.Used.GreaterThan(q.Total()):
		return &generic.InvariantViolationError{
			Invariant: "used_within_total",
			Detail:    fmt.Sprintf("%s used %s exceeds base+carry %s", key, q.Used, q.Total()),
		}
	}
	return nil
}

func missingQuota(key QuotaKey) error {
	return &generic.PolicyViolationError{
		Rule:   "quota_missing",
		Reason: fmt.Sprintf("no quota allocated for %s; allocate one or mark the type quota-exempt", keyString(key)),
	}
}

func keyString(k QuotaKey) string {
	return fmt.Sprintf("%s/%s/%d", k.EmployeeID, k.TypeID, k.Year)
}
