/*
Package postgres provides a PostgreSQL implementation of the leave store.

PURPOSE:
  Same contract as store/sqlite, for multi-instance deployments. Several API
  processes can share one database; correctness comes from row locks and
  optimistic quota versions, not from an in-process mutex.

CONCURRENCY:
  Inside WithTx, GetQuota and GetRequest read with SELECT ... FOR UPDATE, so
  the second of two racing approvals blocks until the first commits and then
  sees its debit. Checks on rows that may not exist yet (overlapping requests,
  a year's config) are guarded by advisory transaction locks instead: one per
  employee for request filing, one per year shared by ledger writers and
  taken exclusively to close or reopen the year. Inserting a quota record
  that another transaction created first fails the version check and surfaces as a ConcurrencyConflict, which
  the engine retries.

  Serialization failures (40001) and deadlocks (40P01) are mapped to
  ConcurrencyConflict as well.

TYPES:
  Day amounts are NUMERIC(7,1) and scanned through shopspring/decimal.
  Dates are DATE, timestamps TIMESTAMPTZ, audit payloads JSONB.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite: Single-writer implementation used by tests
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/outbox"
)

var (
	_ leave.Store       = (*Store)(nil)
	_ leave.Tx          = (*txStore)(nil)
	_ outbox.Repository = (*Store)(nil)
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements leave.Store using a pgx connection pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{queries: queries{q: pool}, pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		is_paid BOOLEAN NOT NULL DEFAULT TRUE,
		quota_exempt BOOLEAN NOT NULL DEFAULT FALSE,
		default_base_days NUMERIC(7,1) NOT NULL DEFAULT 0,
		max_carry_over_days NUMERIC(7,1) NOT NULL DEFAULT 0,
		max_consecutive_days INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quota_records (
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id) ON DELETE CASCADE,
		year INTEGER NOT NULL,
		base_days NUMERIC(7,1) NOT NULL CHECK (base_days >= 0),
		carry_over_days NUMERIC(7,1) NOT NULL CHECK (carry_over_days >= 0),
		used_days NUMERIC(7,1) NOT NULL CHECK (used_days >= 0),
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (employee_id, leave_type_id, year),
		CHECK (used_days <= base_days + carry_over_days)
	);

	CREATE INDEX IF NOT EXISTS idx_quota_records_year ON quota_records(year);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id),
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		start_portion TEXT NOT NULL,
		end_portion TEXT NOT NULL,
		total_days NUMERIC(7,1) NOT NULL,
		reason TEXT,
		attachment_ref TEXT,
		status TEXT NOT NULL,
		approver_id TEXT,
		approved_at TIMESTAMPTZ,
		rejection_reason TEXT,
		cancel_reason TEXT,
		is_special_approved BOOLEAN NOT NULL DEFAULT FALSE,
		special_grant_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_employee_dates
		ON leave_requests(employee_id, start_date, end_date);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_status ON leave_requests(status);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_type ON leave_requests(leave_type_id);

	CREATE TABLE IF NOT EXISTS special_grants (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id) ON DELETE CASCADE,
		year INTEGER NOT NULL,
		amount NUMERIC(7,1) NOT NULL,
		reason TEXT NOT NULL,
		expiry TIMESTAMPTZ,
		bound_request_id TEXT,
		granted_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_special_grants_employee ON special_grants(employee_id);

	CREATE TABLE IF NOT EXISTS year_configs (
		year INTEGER PRIMARY KEY,
		is_closed BOOLEAN NOT NULL DEFAULT FALSE,
		closed_at TIMESTAMPTZ,
		closed_by TEXT,
		max_consecutive_days INTEGER NOT NULL DEFAULT 0,
		reopen_justification TEXT,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS holidays (
		id TEXT PRIMARY KEY,
		date DATE NOT NULL,
		name TEXT NOT NULL,
		recurring BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(date, name)
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_name TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		details JSONB,
		old_value JSONB,
		new_value JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_records(entity_name, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);

	CREATE OR REPLACE FUNCTION audit_records_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'audit records are append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS audit_records_no_mutation ON audit_records;
	CREATE TRIGGER audit_records_no_mutation
		BEFORE UPDATE OR DELETE ON audit_records
		FOR EACH ROW EXECUTE FUNCTION audit_records_append_only();

	CREATE TABLE IF NOT EXISTS outbox_events (
		seq BIGSERIAL UNIQUE,
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_id TEXT,
		payload JSONB NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_events(status, created_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. Rows read through the Tx
// stay locked until commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx leave.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&txStore{queries: queries{q: pgTx, forUpdate: true}}); err != nil {
		return mapError(err)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	queries
}

// Advisory lock classes, the first key of pg_advisory_xact_lock(int4, int4).
const (
	lockClassEmployee int32 = 1
	lockClassYear     int32 = 2
)

// LockEmployee takes a transaction-scoped advisory lock on the employee, so
// overlap checks and inserts of one employee's requests run one at a time.
func (ts *txStore) LockEmployee(ctx context.Context, id leave.EmployeeID) error {
	_, err := ts.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, lockClassEmployee, string(id))
	return err
}

// LockYear takes a transaction-scoped advisory lock on year. It works whether
// or not the year_configs row exists yet.
func (ts *txStore) LockYear(ctx context.Context, year int, mode leave.LockMode) error {
	fn := "pg_advisory_xact_lock_shared"
	if mode == leave.LockExclusive {
		fn = "pg_advisory_xact_lock"
	}
	_, err := ts.q.Exec(ctx, `SELECT `+fn+`($1, $2)`, lockClassYear, int32(year))
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q         querier
	forUpdate bool
}

// lockClause locks single-row reads made inside a transaction.
func (qs queries) lockClause() string {
	if qs.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// Helper functions

// mapError turns lock contention into ConcurrencyConflict so the engine
// retries the operation.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return &generic.ConcurrencyConflictError{Resource: pgErr.TableName, Err: err}
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// params numbers positional arguments for dynamically built queries.
type params []any

func (p *params) add(v any) string {
	*p = append(*p, v)
	return fmt.Sprintf("$%d", len(*p))
}

func (p *params) list(values []string) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = p.add(v)
	}
	return strings.Join(out, ", ")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func days(d decimal.Decimal) generic.Amount {
	return generic.Amount{Value: d, Unit: generic.UnitDays}
}

func dateOf(t time.Time) generic.TimePoint {
	return generic.NewTimePoint(t.Year(), t.Month(), t.Day())
}

func dateArg(tp generic.TimePoint) time.Time {
	return time.Date(tp.Year(), tp.Month(), tp.Day(), 0, 0, 0, 0, time.UTC)
}
