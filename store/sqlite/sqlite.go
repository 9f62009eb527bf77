/*
Package sqlite provides a SQLite-backed implementation of the leave store.

PURPOSE:
  Implements leave.Store, leave.Tx and outbox.Repository on a single SQLite
  database. It is the default store and the one every test runs against.

INTERFACES IMPLEMENTED:
  leave.Store:       Reads + WithTx
  leave.Tx:          Writes inside one transaction
  outbox.Repository: Claim/mark loop of the outbox dispatcher

KEY TABLES:
  leave_types:    Leave categories and their policy fields
  quota_records:  One row per (employee, type, year), versioned
  leave_requests: Requests; never deleted
  special_grants: Out-of-band quota injections
  year_configs:   Closed/open state per year
  holidays:       Non-working days (one-off and recurring)
  audit_records:  Append-only audit trail (UPDATE/DELETE rejected by trigger)
  outbox_events:  Notifications waiting for delivery

CONCURRENCY:
  SQLite has a single writer. The store keeps one connection and a mutex
  around WithTx, so transactions are fully serialized: two approvals of the
  same quota run one after the other and the second sees the first's debit.
  Quota writes additionally carry an optimistic version check.

  Code running inside WithTx must only use the Tx it was given; calling the
  Store from inside fn waits on the connection the transaction holds.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := leave.NewService(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - leave/store.go: Interface definitions
  - store/postgres: PostgreSQL implementation with row locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/outbox"
)

var (
	_ leave.Store       = (*Store)(nil)
	_ leave.Tx          = (*txStore)(nil)
	_ outbox.Repository = (*Store)(nil)
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements leave.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		is_paid BOOLEAN NOT NULL DEFAULT TRUE,
		quota_exempt BOOLEAN NOT NULL DEFAULT FALSE,
		default_base_days TEXT NOT NULL DEFAULT '0',
		max_carry_over_days TEXT NOT NULL DEFAULT '0',
		max_consecutive_days INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Exactly one record per (employee, type, year)
	CREATE TABLE IF NOT EXISTS quota_records (
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id) ON DELETE CASCADE,
		year INTEGER NOT NULL,
		base_days TEXT NOT NULL,
		carry_over_days TEXT NOT NULL,
		used_days TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, leave_type_id, year)
	);

	CREATE INDEX IF NOT EXISTS idx_quota_records_year
		ON quota_records(year);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		start_portion TEXT NOT NULL,
		end_portion TEXT NOT NULL,
		total_days TEXT NOT NULL,
		reason TEXT,
		attachment_ref TEXT,
		status TEXT NOT NULL,
		approver_id TEXT,
		approved_at TEXT,
		rejection_reason TEXT,
		cancel_reason TEXT,
		is_special_approved BOOLEAN NOT NULL DEFAULT FALSE,
		special_grant_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Overlap checks (hot path on create)
	CREATE INDEX IF NOT EXISTS idx_leave_requests_employee_dates
		ON leave_requests(employee_id, start_date, end_date);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_status
		ON leave_requests(status);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_type
		ON leave_requests(leave_type_id);

	CREATE TABLE IF NOT EXISTS special_grants (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id) ON DELETE CASCADE,
		year INTEGER NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		expiry TEXT,
		bound_request_id TEXT,
		granted_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_special_grants_employee
		ON special_grants(employee_id);

	CREATE TABLE IF NOT EXISTS year_configs (
		year INTEGER PRIMARY KEY,
		is_closed BOOLEAN NOT NULL DEFAULT FALSE,
		closed_at TEXT,
		closed_by TEXT,
		max_consecutive_days INTEGER NOT NULL DEFAULT 0,
		reopen_justification TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS holidays (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		recurring BOOLEAN DEFAULT FALSE,
		created_at TEXT NOT NULL,
		UNIQUE(date, name)
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_name TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		details_json TEXT,
		old_value TEXT,
		new_value TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_records(entity_name, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp
		ON audit_records(timestamp);

	CREATE TRIGGER IF NOT EXISTS audit_records_no_update
		BEFORE UPDATE ON audit_records
		BEGIN SELECT RAISE(ABORT, 'audit records are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
		BEFORE DELETE ON audit_records
		BEGIN SELECT RAISE(ABORT, 'audit records are append-only'); END;

	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_id TEXT,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		published_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status_created
		ON outbox_events(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx leave.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	queries
}

// LockEmployee and LockYear have nothing to do: WithTx already holds the
// store mutex for the whole transaction.
func (ts *txStore) LockEmployee(context.Context, leave.EmployeeID) error { return nil }

func (ts *txStore) LockYear(context.Context, int, leave.LockMode) error { return nil }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements leave.Reader on either the database or a transaction.
type queries struct {
	q querier
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func formatDate(tp generic.TimePoint) string {
	return tp.Time.Format(generic.DateLayout)
}

func parseDate(s string) (generic.TimePoint, error) {
	return generic.ParseDate(s)
}

func parseAmount(value string) (generic.Amount, error) {
	a, err := generic.ParseDays(value)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("corrupt amount %q: %w", value, err)
	}
	return a, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
