/*
errors.go - Centralized error types for the leave engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure a caller can observe belongs to exactly one category.

ERROR CATEGORIES:
  1. Validation          - Malformed input, rejected before any transaction opens
  2. Policy violation    - Well-formed input that breaks a business rule
  3. Insufficient balance- Remaining quota does not cover the request
  4. Invalid transition  - State machine refuses the move
  5. Concurrency conflict- Lost a race on a ledger row; retry is safe
  6. Invariant violation - Defect-class failure; the transaction aborts
  7. Not found / Forbidden

USAGE:
  Callers branch on sentinels with errors.Is:

    if errors.Is(err, generic.ErrInsufficientBalance) {
        ...
    }

  or extract details with errors.As:

    var ib *generic.InsufficientBalanceError
    if errors.As(err, &ib) {
        log(ib.Shortfall)
    }

SEE ALSO:
  - leave/ledger.go: Raises insufficient balance and invariant violations
  - api/handlers.go: Maps categories to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or missing input.
	ErrValidation = errors.New("validation error")

	// ErrPolicyViolation is returned when input is well-formed but breaks a rule
	// (consecutive-day cap, closed year, overlapping request).
	ErrPolicyViolation = errors.New("policy violation")

	// ErrInsufficientBalance is returned when consumption exceeds remaining quota.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition is returned when a request cannot move to the target status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrencyConflict is returned when two transactions race on the same row.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvariantViolation marks a defect: the engine refused to commit a state
	// that breaks a ledger invariant.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PolicyViolationError names the rule that was broken.
type PolicyViolationError struct {
	Rule   string // e.g., "year_closed", "overlap", "max_consecutive_days"
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Reason)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EntityID  EntityID
	Resource  string
	Year      int
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s/%d: available %v, requested %v, shortfall %v",
		e.EntityID, e.Resource, e.Year, e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidTransitionError reports a refused state change.
type InvalidTransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConcurrencyConflictError reports a lost race. The caller may retry.
type ConcurrencyConflictError struct {
	Resource string
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrency conflict on %s: %v", e.Resource, e.Err)
	}
	return "concurrency conflict on " + e.Resource
}

func (e *ConcurrencyConflictError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConcurrencyConflict, e.Err}
	}
	return []error{ErrConcurrencyConflict}
}

// InvariantViolationError names the broken invariant.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// NotFoundError reports a missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the caller's input or the
// current business state, rather than a defect.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDefect returns true for invariant violations.
func IsDefect(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// Class returns the taxonomy name of err, used for logs and metrics labels.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPolicyViolation):
		return "policy"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}

// Reason returns the structured reason string shown to callers. Internal
// failures are not echoed back.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if IsClientError(err) || IsRetryable(err) {
		return err.Error()
	}
	if IsDefect(err) {
		return "internal invariant violation; the operation was rolled back"
	}
	return "internal error"
}
