package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
)

// =============================================================================
// LEAVE TYPES
// =============================================================================

const leaveTypeColumns = `id, name, is_paid, quota_exempt, default_base_days, max_carry_over_days,
	max_consecutive_days, created_at, updated_at`

func (qs queries) GetLeaveType(ctx context.Context, id leave.TypeID) (*leave.LeaveType, error) {
	return scanOne(qs.q.QueryRow(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types WHERE id = $1`, string(id)), scanLeaveType)
}

func (qs queries) GetLeaveTypeByName(ctx context.Context, name string) (*leave.LeaveType, error) {
	return scanOne(qs.q.QueryRow(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types WHERE name = $1`, name), scanLeaveType)
}

func (qs queries) ListLeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	rows, err := qs.q.Query(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanLeaveType)
}

func scanLeaveType(row pgx.Row) (leave.LeaveType, error) {
	var (
		lt          leave.LeaveType
		id          string
		base, carry decimal.Decimal
	)
	err := row.Scan(&id, &lt.Name, &lt.IsPaid, &lt.QuotaExempt, &base, &carry,
		&lt.MaxConsecutiveDays, &lt.CreatedAt, &lt.UpdatedAt)
	lt.ID = leave.TypeID(id)
	lt.DefaultBaseDays = days(base)
	lt.MaxCarryOverDays = days(carry)
	lt.CreatedAt = lt.CreatedAt.UTC()
	lt.UpdatedAt = lt.UpdatedAt.UTC()
	return lt, err
}

func (ts *txStore) SaveLeaveType(ctx context.Context, lt leave.LeaveType) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO leave_types (`+leaveTypeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_paid = EXCLUDED.is_paid,
			quota_exempt = EXCLUDED.quota_exempt,
			default_base_days = EXCLUDED.default_base_days,
			max_carry_over_days = EXCLUDED.max_carry_over_days,
			max_consecutive_days = EXCLUDED.max_consecutive_days,
			updated_at = EXCLUDED.updated_at`,
		string(lt.ID), lt.Name, lt.IsPaid, lt.QuotaExempt,
		lt.DefaultBaseDays.Value, lt.MaxCarryOverDays.Value, lt.MaxConsecutiveDays,
		lt.CreatedAt.UTC(), lt.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return &generic.ValidationError{Field: "name", Reason: fmt.Sprintf("leave type %q already exists", lt.Name)}
	}
	return err
}

// DeleteLeaveType relies on ON DELETE CASCADE for quota records and grants.
func (ts *txStore) DeleteLeaveType(ctx context.Context, id leave.TypeID) error {
	if _, err := ts.q.Exec(ctx, `DELETE FROM leave_types WHERE id = $1`, string(id)); err != nil {
		return fmt.Errorf("delete leave type %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// QUOTA RECORDS
// =============================================================================

const quotaColumns = `employee_id, leave_type_id, year, base_days, carry_over_days, used_days, version, updated_at`

func (qs queries) GetQuota(ctx context.Context, key leave.QuotaKey) (*leave.QuotaRecord, error) {
	row := qs.q.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM quota_records
		WHERE employee_id = $1 AND leave_type_id = $2 AND year = $3`+qs.lockClause(),
		string(key.EmployeeID), string(key.TypeID), key.Year)
	return scanOne(row, scanQuota)
}

func (qs queries) ListQuotas(ctx context.Context, employeeID leave.EmployeeID, year int) ([]leave.QuotaRecord, error) {
	rows, err := qs.q.Query(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE employee_id = $1 AND year = $2 ORDER BY leave_type_id`,
		string(employeeID), year)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanQuota)
}

func (qs queries) ListQuotasByYear(ctx context.Context, year int) ([]leave.QuotaRecord, error) {
	rows, err := qs.q.Query(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE year = $1 ORDER BY employee_id, leave_type_id`,
		year)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanQuota)
}

func scanQuota(row pgx.Row) (leave.QuotaRecord, error) {
	var (
		q                  leave.QuotaRecord
		employeeID, typeID string
		base, carry, used  decimal.Decimal
	)
	err := row.Scan(&employeeID, &typeID, &q.Key.Year, &base, &carry, &used, &q.Version, &q.UpdatedAt)
	q.Key.EmployeeID = leave.EmployeeID(employeeID)
	q.Key.TypeID = leave.TypeID(typeID)
	q.Base, q.CarryOver, q.Used = days(base), days(carry), days(used)
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, err
}

// PutQuota upserts q if the stored version still equals q.Version.
func (ts *txStore) PutQuota(ctx context.Context, q leave.QuotaRecord) error {
	tag, err := ts.q.Exec(ctx, `
		INSERT INTO quota_records (`+quotaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (employee_id, leave_type_id, year) DO UPDATE SET
			base_days = EXCLUDED.base_days,
			carry_over_days = EXCLUDED.carry_over_days,
			used_days = EXCLUDED.used_days,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE quota_records.version = $9`,
		string(q.Key.EmployeeID), string(q.Key.TypeID), q.Key.Year,
		q.Base.Value, q.CarryOver.Value, q.Used.Value,
		q.Version+1, q.UpdatedAt.UTC(), q.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &generic.ConcurrencyConflictError{
			Resource: fmt.Sprintf("quota_record %s/%s/%d", q.Key.EmployeeID, q.Key.TypeID, q.Key.Year),
		}
	}
	return nil
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

const requestColumns = `id, employee_id, leave_type_id, start_date, end_date, start_portion, end_portion,
	total_days, reason, attachment_ref, status, approver_id, approved_at, rejection_reason, cancel_reason,
	is_special_approved, special_grant_id, created_at, updated_at`

func (qs queries) GetRequest(ctx context.Context, id string) (*leave.LeaveRequest, error) {
	row := qs.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = $1`+qs.lockClause(), id)
	return scanOne(row, scanRequest)
}

func (qs queries) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	var (
		where []string
		args  params
	)
	if f.EmployeeID != "" {
		where = append(where, "employee_id = "+args.add(string(f.EmployeeID)))
	}
	if f.TypeID != "" {
		where = append(where, "leave_type_id = "+args.add(string(f.TypeID)))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+args.list(statusStrings(f.Statuses))+")")
	}
	if f.Year > 0 {
		p := generic.YearPeriod(f.Year)
		where = append(where, "start_date BETWEEN "+args.add(dateArg(p.Start))+" AND "+args.add(dateArg(p.End)))
	}

	query := `SELECT ` + requestColumns + ` FROM leave_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_date ASC, created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT " + args.add(f.Limit)
	}

	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanRequest)
}

func (qs queries) FindOverlapping(ctx context.Context, employeeID leave.EmployeeID, p generic.Period, statuses []leave.Status) ([]leave.LeaveRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var args params
	query := `SELECT ` + requestColumns + ` FROM leave_requests
		WHERE employee_id = ` + args.add(string(employeeID)) + `
		  AND start_date <= ` + args.add(dateArg(p.End)) + `
		  AND end_date >= ` + args.add(dateArg(p.Start)) + `
		  AND status IN (` + args.list(statusStrings(statuses)) + `)
		ORDER BY start_date ASC`
	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanRequest)
}

func (qs queries) CountRequestsByType(ctx context.Context, id leave.TypeID) (int, error) {
	var n int
	err := qs.q.QueryRow(ctx, `SELECT COUNT(*) FROM leave_requests WHERE leave_type_id = $1`, string(id)).Scan(&n)
	return n, err
}

func scanRequest(row pgx.Row) (leave.LeaveRequest, error) {
	var (
		r                                       leave.LeaveRequest
		employeeID, typeID                      string
		start, end                              time.Time
		startPortion, endPortion, status        string
		total                                   decimal.Decimal
		reason, attachment, approver, rejection *string
		cancel, grantID                         *string
	)
	err := row.Scan(&r.ID, &employeeID, &typeID, &start, &end, &startPortion, &endPortion,
		&total, &reason, &attachment, &status, &approver, &r.ApprovedAt, &rejection, &cancel,
		&r.IsSpecialApproved, &grantID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.EmployeeID = leave.EmployeeID(employeeID)
	r.TypeID = leave.TypeID(typeID)
	r.StartDate, r.EndDate = dateOf(start), dateOf(end)
	r.StartPortion = generic.DayPortion(startPortion)
	r.EndPortion = generic.DayPortion(endPortion)
	r.TotalDays = days(total)
	r.Status = leave.Status(status)
	r.Reason = deref(reason)
	r.AttachmentRef = deref(attachment)
	r.ApproverID = deref(approver)
	r.ApprovedAt = utcPtr(r.ApprovedAt)
	r.RejectionReason = deref(rejection)
	r.CancelReason = deref(cancel)
	r.SpecialGrantID = deref(grantID)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (ts *txStore) InsertRequest(ctx context.Context, r leave.LeaveRequest) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO leave_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, string(r.EmployeeID), string(r.TypeID),
		dateArg(r.StartDate), dateArg(r.EndDate),
		string(r.StartPortion), string(r.EndPortion), r.TotalDays.Value,
		nullString(r.Reason), nullString(r.AttachmentRef), string(r.Status),
		nullString(r.ApproverID), utcPtr(r.ApprovedAt),
		nullString(r.RejectionReason), nullString(r.CancelReason),
		r.IsSpecialApproved, nullString(r.SpecialGrantID),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	return err
}

func (ts *txStore) UpdateRequest(ctx context.Context, r leave.LeaveRequest) error {
	tag, err := ts.q.Exec(ctx, `
		UPDATE leave_requests SET
			attachment_ref = $1, status = $2, approver_id = $3, approved_at = $4,
			rejection_reason = $5, cancel_reason = $6, is_special_approved = $7,
			special_grant_id = $8, updated_at = $9
		WHERE id = $10`,
		nullString(r.AttachmentRef), string(r.Status), nullString(r.ApproverID), utcPtr(r.ApprovedAt),
		nullString(r.RejectionReason), nullString(r.CancelReason), r.IsSpecialApproved,
		nullString(r.SpecialGrantID), r.UpdatedAt.UTC(), r.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "leave request", ID: r.ID}
	}
	return nil
}

func statusStrings(statuses []leave.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// =============================================================================
// SPECIAL GRANTS
// =============================================================================

const grantColumns = `id, employee_id, leave_type_id, year, amount, reason, expiry, bound_request_id, granted_by, created_at`

func (qs queries) GetGrant(ctx context.Context, id string) (*leave.SpecialGrant, error) {
	return scanOne(qs.q.QueryRow(ctx, `SELECT `+grantColumns+` FROM special_grants WHERE id = $1`, id), scanGrant)
}

func (qs queries) ListGrants(ctx context.Context, employeeID leave.EmployeeID) ([]leave.SpecialGrant, error) {
	rows, err := qs.q.Query(ctx,
		`SELECT `+grantColumns+` FROM special_grants WHERE employee_id = $1 ORDER BY created_at ASC`,
		string(employeeID))
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanGrant)
}

func scanGrant(row pgx.Row) (leave.SpecialGrant, error) {
	var (
		g                  leave.SpecialGrant
		employeeID, typeID string
		amount             decimal.Decimal
		bound              *string
	)
	err := row.Scan(&g.ID, &employeeID, &typeID, &g.Year, &amount, &g.Reason, &g.Expiry, &bound,
		&g.GrantedBy, &g.CreatedAt)
	g.EmployeeID = leave.EmployeeID(employeeID)
	g.TypeID = leave.TypeID(typeID)
	g.Amount = days(amount)
	g.Expiry = utcPtr(g.Expiry)
	g.BoundRequestID = deref(bound)
	g.CreatedAt = g.CreatedAt.UTC()
	return g, err
}

func (ts *txStore) InsertGrant(ctx context.Context, g leave.SpecialGrant) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO special_grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, string(g.EmployeeID), string(g.TypeID), g.Year, g.Amount.Value, g.Reason,
		utcPtr(g.Expiry), nullString(g.BoundRequestID), g.GrantedBy, g.CreatedAt.UTC())
	return err
}

// =============================================================================
// YEAR CONFIGS
// =============================================================================

func (qs queries) GetYearConfig(ctx context.Context, year int) (*leave.YearConfig, error) {
	row := qs.q.QueryRow(ctx, `
		SELECT year, is_closed, closed_at, closed_by, max_consecutive_days, reopen_justification, updated_at
		FROM year_configs WHERE year = $1`+qs.lockClause(), year)
	return scanOne(row, func(row pgx.Row) (leave.YearConfig, error) {
		var (
			c                   leave.YearConfig
			closedBy, reopenJst *string
		)
		err := row.Scan(&c.Year, &c.IsClosed, &c.ClosedAt, &closedBy, &c.MaxConsecutiveDays, &reopenJst, &c.UpdatedAt)
		c.ClosedAt = utcPtr(c.ClosedAt)
		c.ClosedBy = deref(closedBy)
		c.ReopenJustification = deref(reopenJst)
		c.UpdatedAt = c.UpdatedAt.UTC()
		return c, err
	})
}

func (ts *txStore) PutYearConfig(ctx context.Context, c leave.YearConfig) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO year_configs (year, is_closed, closed_at, closed_by, max_consecutive_days, reopen_justification, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (year) DO UPDATE SET
			is_closed = EXCLUDED.is_closed,
			closed_at = EXCLUDED.closed_at,
			closed_by = EXCLUDED.closed_by,
			max_consecutive_days = EXCLUDED.max_consecutive_days,
			reopen_justification = EXCLUDED.reopen_justification,
			updated_at = EXCLUDED.updated_at`,
		c.Year, c.IsClosed, utcPtr(c.ClosedAt), nullString(c.ClosedBy),
		c.MaxConsecutiveDays, nullString(c.ReopenJustification), c.UpdatedAt.UTC())
	return err
}

// =============================================================================
// HOLIDAY CALENDAR
// =============================================================================

func (qs queries) Holidays(ctx context.Context, p generic.Period) ([]generic.Holiday, error) {
	rows, err := qs.q.Query(ctx, `
		SELECT id, date, name, recurring FROM holidays
		WHERE recurring OR date BETWEEN $1 AND $2
		ORDER BY date ASC`,
		dateArg(p.Start), dateArg(p.End))
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanHoliday)
}

func (qs queries) ListHolidays(ctx context.Context) ([]generic.Holiday, error) {
	rows, err := qs.q.Query(ctx, `SELECT id, date, name, recurring FROM holidays ORDER BY date ASC`)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, scanHoliday)
}

func scanHoliday(row pgx.Row) (generic.Holiday, error) {
	var (
		h generic.Holiday
		d time.Time
	)
	err := row.Scan(&h.ID, &d, &h.Name, &h.Recurring)
	h.Date = dateOf(d)
	return h, err
}

func (ts *txStore) SaveHoliday(ctx context.Context, h generic.Holiday) (string, error) {
	var id string
	err := ts.q.QueryRow(ctx, `
		INSERT INTO holidays (id, date, name, recurring, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (date, name) DO UPDATE SET recurring = EXCLUDED.recurring
		RETURNING id`,
		h.ID, dateArg(h.Date), h.Name, h.Recurring, time.Now().UTC()).Scan(&id)
	return id, err
}

func (ts *txStore) DeleteHoliday(ctx context.Context, id string) error {
	tag, err := ts.q.Exec(ctx, `DELETE FROM holidays WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "holiday", ID: id}
	}
	return nil
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func (ts *txStore) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}
	_, err := ts.q.Exec(ctx, `
		INSERT INTO audit_records (id, timestamp, actor_id, action, entity_name, entity_id, details, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Timestamp.UTC(), e.ActorID, string(e.Action), e.EntityName, e.EntityID,
		jsonArg(details), jsonArg(e.OldValue), jsonArg(e.NewValue))
	return err
}

func (qs queries) ListAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		where []string
		args  params
	)
	if f.EntityName != "" {
		where = append(where, "entity_name = "+args.add(f.EntityName))
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = "+args.add(f.EntityID))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = "+args.add(f.ActorID))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		where = append(where, "action IN ("+args.list(actions)+")")
	}
	if f.From != nil {
		where = append(where, "timestamp >= "+args.add(f.From.UTC()))
	}
	if f.To != nil {
		where = append(where, "timestamp <= "+args.add(f.To.UTC()))
	}

	query := `SELECT id, timestamp, actor_id, action, entity_name, entity_id, details, old_value, new_value FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT " + args.add(f.Limit)
	}

	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, func(row pgx.Row) (generic.AuditEntry, error) {
		var (
			e                       generic.AuditEntry
			action                  string
			details, oldVal, newVal []byte
		)
		if err := row.Scan(&e.ID, &e.Timestamp, &e.ActorID, &action, &e.EntityName, &e.EntityID,
			&details, &oldVal, &newVal); err != nil {
			return e, err
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Action = generic.AuditAction(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return e, fmt.Errorf("corrupt audit details %s: %w", e.ID, err)
			}
		}
		if len(oldVal) > 0 {
			e.OldValue = json.RawMessage(oldVal)
		}
		if len(newVal) > 0 {
			e.NewValue = json.RawMessage(newVal)
		}
		return e, nil
	})
}

// jsonArg sends raw JSON as text so a nil payload becomes SQL NULL.
func jsonArg(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

// scanOne returns nil when the row does not exist.
func scanOne[T any](row pgx.Row, scan func(pgx.Row) (T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func scanAll[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
