/*
store.go - Persistence contracts for the leave engine

PURPOSE:
  Defines the interface between the workflow engine and the database.
  Every mutation happens inside Store.WithTx; reads may happen either inside a
  transaction (Tx) or directly on the Store.

KEY INTERFACES:
  Reader:  Read-only queries shared by Store and Tx
  Tx:      Writes that only exist inside a transaction
  Store:   Reader + WithTx

TRANSACTION CONTRACT:
  WithTx(fn) commits when fn returns nil and rolls everything back otherwise:
  the request update, the quota mutation, the audit record and the outbox
  events share one fate.

  Inside a Tx, GetQuota and GetRequest lock the row they return (FOR UPDATE on
  PostgreSQL; SQLite serializes whole transactions), so two approvals against
  the same quota cannot both read "sufficient remaining".

  Rows that may not exist yet cannot be row-locked, so a Tx also offers named
  locks held until commit:
    LockEmployee  request filing of one employee (overlap check + insert)
    LockYear      ledger writes in a year (LockShared) against closing or
                  reopening it (LockExclusive)
  Lock order is request row, then employee, then year, then quota rows.

NOT FOUND:
  Single-record getters return (nil, nil) when the record does not exist.
  The engine decides whether absence is an error.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     SQLite (default, tests)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - txcontext.go: Wraps a Tx for one business operation
*/
package leave

import (
	"context"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/outbox"
)

// =============================================================================
// READER - Queries available inside and outside transactions
// =============================================================================

type Reader interface {
	GetLeaveType(ctx context.Context, id TypeID) (*LeaveType, error)
	GetLeaveTypeByName(ctx context.Context, name string) (*LeaveType, error)
	ListLeaveTypes(ctx context.Context) ([]LeaveType, error)

	GetQuota(ctx context.Context, key QuotaKey) (*QuotaRecord, error)
	ListQuotas(ctx context.Context, employeeID EmployeeID, year int) ([]QuotaRecord, error)
	ListQuotasByYear(ctx context.Context, year int) ([]QuotaRecord, error)

	GetRequest(ctx context.Context, id string) (*LeaveRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]LeaveRequest, error)
	// FindOverlapping returns requests of employeeID in one of statuses whose
	// date range intersects p.
	FindOverlapping(ctx context.Context, employeeID EmployeeID, p generic.Period, statuses []Status) ([]LeaveRequest, error)
	CountRequestsByType(ctx context.Context, id TypeID) (int, error)

	GetGrant(ctx context.Context, id string) (*SpecialGrant, error)
	ListGrants(ctx context.Context, employeeID EmployeeID) ([]SpecialGrant, error)

	GetYearConfig(ctx context.Context, year int) (*YearConfig, error)

	// Holidays returns stored holidays that can fall inside p (recurring ones
	// are returned regardless of their stored year).
	Holidays(ctx context.Context, p generic.Period) ([]generic.Holiday, error)
	ListHolidays(ctx context.Context) ([]generic.Holiday, error)

	ListAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error)
}

// =============================================================================
// TX - Writes, only inside Store.WithTx
// =============================================================================

type Tx interface {
	Reader

	LockEmployee(ctx context.Context, id EmployeeID) error
	LockYear(ctx context.Context, year int, mode LockMode) error

	// SaveLeaveType inserts or updates by ID. A duplicate name yields a
	// ValidationError.
	SaveLeaveType(ctx context.Context, lt LeaveType) error
	// DeleteLeaveType removes the type and its quota records.
	DeleteLeaveType(ctx context.Context, id TypeID) error

	// PutQuota upserts on QuotaKey. Exactly one record per key ever exists.
	PutQuota(ctx context.Context, q QuotaRecord) error

	InsertRequest(ctx context.Context, r LeaveRequest) error
	UpdateRequest(ctx context.Context, r LeaveRequest) error

	InsertGrant(ctx context.Context, g SpecialGrant) error

	PutYearConfig(ctx context.Context, c YearConfig) error

	// SaveHoliday upserts on (date, name) and returns the ID of the stored
	// row, which is the existing one when the holiday was already known.
	SaveHoliday(ctx context.Context, h generic.Holiday) (string, error)
	DeleteHoliday(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e generic.AuditEntry) error
	AppendOutbox(ctx context.Context, e outbox.Event) error
}

type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Locker serializes batch jobs across processes. TryLock fails fast when the
// key is already held.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}
