package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/leave"
)

// =============================================================================
// LEAVE TYPES
// =============================================================================

const leaveTypeColumns = `id, name, is_paid, quota_exempt, default_base_days, max_carry_over_days,
	max_consecutive_days, created_at, updated_at`

func (qs queries) GetLeaveType(ctx context.Context, id leave.TypeID) (*leave.LeaveType, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types WHERE id = ?`, string(id))
	return scanLeaveTypeRow(row)
}

func (qs queries) GetLeaveTypeByName(ctx context.Context, name string) (*leave.LeaveType, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types WHERE name = ?`, name)
	return scanLeaveTypeRow(row)
}

func (qs queries) ListLeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.LeaveType
	for rows.Next() {
		lt, err := scanLeaveType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

func scanLeaveTypeRow(row *sql.Row) (*leave.LeaveType, error) {
	lt, err := scanLeaveType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lt, nil
}

func scanLeaveType(sc scanner) (leave.LeaveType, error) {
	var (
		lt                   leave.LeaveType
		id, base, carry      string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&id, &lt.Name, &lt.IsPaid, &lt.QuotaExempt, &base, &carry,
		&lt.MaxConsecutiveDays, &createdAt, &updatedAt); err != nil {
		return lt, err
	}
	lt.ID = leave.TypeID(id)
	var err error
	if lt.DefaultBaseDays, err = parseAmount(base); err != nil {
		return lt, err
	}
	if lt.MaxCarryOverDays, err = parseAmount(carry); err != nil {
		return lt, err
	}
	lt.CreatedAt = parseTime(createdAt)
	lt.UpdatedAt = parseTime(updatedAt)
	return lt, nil
}

func (ts *txStore) SaveLeaveType(ctx context.Context, lt leave.LeaveType) error {
	query := `
		INSERT INTO leave_types (` + leaveTypeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_paid = excluded.is_paid,
			quota_exempt = excluded.quota_exempt,
			default_base_days = excluded.default_base_days,
			max_carry_over_days = excluded.max_carry_over_days,
			max_consecutive_days = excluded.max_consecutive_days,
			updated_at = excluded.updated_at
	`
	_, err := ts.q.ExecContext(ctx, query,
		string(lt.ID),
		lt.Name,
		lt.IsPaid,
		lt.QuotaExempt,
		lt.DefaultBaseDays.String(),
		lt.MaxCarryOverDays.String(),
		lt.MaxConsecutiveDays,
		formatTime(lt.CreatedAt),
		formatTime(lt.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &generic.ValidationError{Field: "name", Reason: fmt.Sprintf("leave type %q already exists", lt.Name)}
	}
	return err
}

// DeleteLeaveType removes the type with its quota records and grants.
func (ts *txStore) DeleteLeaveType(ctx context.Context, id leave.TypeID) error {
	for _, stmt := range []string{
		`DELETE FROM quota_records WHERE leave_type_id = ?`,
		`DELETE FROM special_grants WHERE leave_type_id = ?`,
		`DELETE FROM leave_types WHERE id = ?`,
	} {
		if _, err := ts.q.ExecContext(ctx, stmt, string(id)); err != nil {
			return fmt.Errorf("delete leave type %s: %w", id, err)
		}
	}
	return nil
}

// =============================================================================
// QUOTA RECORDS
// =============================================================================

const quotaColumns = `employee_id, leave_type_id, year, base_days, carry_over_days, used_days, version, updated_at`

func (qs queries) GetQuota(ctx context.Context, key leave.QuotaKey) (*leave.QuotaRecord, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE employee_id = ? AND leave_type_id = ? AND year = ?`,
		string(key.EmployeeID), string(key.TypeID), key.Year)
	q, err := scanQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (qs queries) ListQuotas(ctx context.Context, employeeID leave.EmployeeID, year int) ([]leave.QuotaRecord, error) {
	return qs.queryQuotas(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE employee_id = ? AND year = ? ORDER BY leave_type_id`,
		string(employeeID), year)
}

func (qs queries) ListQuotasByYear(ctx context.Context, year int) ([]leave.QuotaRecord, error) {
	return qs.queryQuotas(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE year = ? ORDER BY employee_id, leave_type_id`,
		year)
}

func (qs queries) queryQuotas(ctx context.Context, query string, args ...any) ([]leave.QuotaRecord, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.QuotaRecord
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanQuota(sc scanner) (leave.QuotaRecord, error) {
	var (
		q                       leave.QuotaRecord
		employeeID, typeID      string
		base, carry, used, upAt string
	)
	if err := sc.Scan(&employeeID, &typeID, &q.Key.Year, &base, &carry, &used, &q.Version, &upAt); err != nil {
		return q, err
	}
	q.Key.EmployeeID = leave.EmployeeID(employeeID)
	q.Key.TypeID = leave.TypeID(typeID)
	var err error
	if q.Base, err = parseAmount(base); err != nil {
		return q, err
	}
	if q.CarryOver, err = parseAmount(carry); err != nil {
		return q, err
	}
	if q.Used, err = parseAmount(used); err != nil {
		return q, err
	}
	q.UpdatedAt = parseTime(upAt)
	return q, nil
}

// PutQuota upserts q if the stored version still equals q.Version (0 for a
// record that did not exist when it was read).
func (ts *txStore) PutQuota(ctx context.Context, q leave.QuotaRecord) error {
	query := `
		INSERT INTO quota_records (` + quotaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, leave_type_id, year) DO UPDATE SET
			base_days = excluded.base_days,
			carry_over_days = excluded.carry_over_days,
			used_days = excluded.used_days,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE quota_records.version = ?
	`
	res, err := ts.q.ExecContext(ctx, query,
		string(q.Key.EmployeeID),
		string(q.Key.TypeID),
		q.Key.Year,
		q.Base.String(),
		q.CarryOver.String(),
		q.Used.String(),
		q.Version+1,
		formatTime(q.UpdatedAt),
		q.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	row := qs.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (qs queries) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, string(f.EmployeeID))
	}
	if f.TypeID != "" {
		where = append(where, "leave_type_id = ?")
		args = append(args, string(f.TypeID))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Year > 0 {
		p := generic.YearPeriod(f.Year)
		where = append(where, "start_date >= ? AND start_date <= ?")
		args = append(args, formatDate(p.Start), formatDate(p.End))
	}

	query := `SELECT ` + requestColumns + ` FROM leave_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_date ASC, created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return qs.queryRequests(ctx, query, args...)
}

func (qs queries) FindOverlapping(ctx context.Context, employeeID leave.EmployeeID, p generic.Period, statuses []leave.Status) ([]leave.LeaveRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{string(employeeID), formatDate(p.End), formatDate(p.Start)}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	query := `SELECT ` + requestColumns + ` FROM leave_requests
		WHERE employee_id = ? AND start_date <= ? AND end_date >= ?
		  AND status IN (` + placeholders(len(statuses)) + `)
		ORDER BY start_date ASC`
	return qs.queryRequests(ctx, query, args...)
}

func (qs queries) CountRequestsByType(ctx context.Context, id leave.TypeID) (int, error) {
	var n int
	err := qs.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM leave_requests WHERE leave_type_id = ?`, string(id)).Scan(&n)
	return n, err
}

func (qs queries) queryRequests(ctx context.Context, query string, args ...any) ([]leave.LeaveRequest, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.LeaveRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(sc scanner) (leave.LeaveRequest, error) {
	var (
		r                                       leave.LeaveRequest
		employeeID, typeID, start, end          string
		startPortion, endPortion, total, status string
		reason, attachment, approver, rejection sql.NullString
		cancel, grantID, approvedAt             sql.NullString
		createdAt, updatedAt                    string
	)
	if err := sc.Scan(&r.ID, &employeeID, &typeID, &start, &end, &startPortion, &endPortion,
		&total, &reason, &attachment, &status, &approver, &approvedAt, &rejection, &cancel,
		&r.IsSpecialApproved, &grantID, &createdAt, &updatedAt); err != nil {
		return r, err
	}

	var err error
	if r.StartDate, err = parseDate(start); err != nil {
		return r, err
	}
	if r.EndDate, err = parseDate(end); err != nil {
		return r, err
	}
	if r.TotalDays, err = parseAmount(total); err != nil {
		return r, err
	}
	r.EmployeeID = leave.EmployeeID(employeeID)
	r.TypeID = leave.TypeID(typeID)
	r.StartPortion = generic.DayPortion(startPortion)
	r.EndPortion = generic.DayPortion(endPortion)
	r.Status = leave.Status(status)
	r.Reason = reason.String
	r.AttachmentRef = attachment.String
	r.ApproverID = approver.String
	r.ApprovedAt = parseNullTime(approvedAt)
	r.RejectionReason = rejection.String
	r.CancelReason = cancel.String
	r.SpecialGrantID = grantID.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func requestArgs(r leave.LeaveRequest) []any {
	return []any{
		r.ID,
		string(r.EmployeeID),
		string(r.TypeID),
		formatDate(r.StartDate),
		formatDate(r.EndDate),
		string(r.StartPortion),
		string(r.EndPortion),
		r.TotalDays.String(),
		nullString(r.Reason),
		nullString(r.AttachmentRef),
		string(r.Status),
		nullString(r.ApproverID),
		nullTime(r.ApprovedAt),
		nullString(r.RejectionReason),
		nullString(r.CancelReason),
		r.IsSpecialApproved,
		nullString(r.SpecialGrantID),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	}
}

func (ts *txStore) InsertRequest(ctx context.Context, r leave.LeaveRequest) error {
	_, err := ts.q.ExecContext(ctx,
		`INSERT INTO leave_requests (`+requestColumns+`) VALUES (`+placeholders(19)+`)`,
		requestArgs(r)...)
	return err
}

// UpdateRequest rewrites the mutable columns of r.
func (ts *txStore) UpdateRequest(ctx context.Context, r leave.LeaveRequest) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE leave_requests SET
			attachment_ref = ?, status = ?, approver_id = ?, approved_at = ?,
			rejection_reason = ?, cancel_reason = ?, is_special_approved = ?,
			special_grant_id = ?, updated_at = ?
		WHERE id = ?`,
		nullString(r.AttachmentRef),
		string(r.Status),
		nullString(r.ApproverID),
		nullTime(r.ApprovedAt),
		nullString(r.RejectionReason),
		nullString(r.CancelReason),
		r.IsSpecialApproved,
		nullString(r.SpecialGrantID),
		formatTime(r.UpdatedAt),
		r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Kind: "leave request", ID: r.ID}
	}
	return nil
}

// =============================================================================
// SPECIAL GRANTS
// =============================================================================

const grantColumns = `id, employee_id, leave_type_id, year, amount, reason, expiry, bound_request_id, granted_by, created_at`

func (qs queries) GetGrant(ctx context.Context, id string) (*leave.SpecialGrant, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM special_grants WHERE id = ?`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (qs queries) ListGrants(ctx context.Context, employeeID leave.EmployeeID) ([]leave.SpecialGrant, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM special_grants WHERE employee_id = ? ORDER BY created_at ASC`,
		string(employeeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.SpecialGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(sc scanner) (leave.SpecialGrant, error) {
	var (
		g                          leave.SpecialGrant
		employeeID, typeID, amount string
		expiry, bound              sql.NullString
		createdAt                  string
	)
	if err := sc.Scan(&g.ID, &employeeID, &typeID, &g.Year, &amount, &g.Reason, &expiry, &bound,
		&g.GrantedBy, &createdAt); err != nil {
		return g, err
	}
	var err error
	if g.Amount, err = parseAmount(amount); err != nil {
		return g, err
	}
	g.EmployeeID = leave.EmployeeID(employeeID)
	g.TypeID = leave.TypeID(typeID)
	g.Expiry = parseNullTime(expiry)
	g.BoundRequestID = bound.String
	g.CreatedAt = parseTime(createdAt)
	return g, nil
}

func (ts *txStore) InsertGrant(ctx context.Context, g leave.SpecialGrant) error {
	_, err := ts.q.ExecContext(ctx,
		`INSERT INTO special_grants (`+grantColumns+`) VALUES (`+placeholders(10)+`)`,
		g.ID,
		string(g.EmployeeID),
		string(g.TypeID),
		g.Year,
		g.Amount.String(),
		g.Reason,
		nullTime(g.Expiry),
		nullString(g.BoundRequestID),
		g.GrantedBy,
		formatTime(g.CreatedAt),
	)
	return err
}

// =============================================================================
// YEAR CONFIGS
// =============================================================================

func (qs queries) GetYearConfig(ctx context.Context, year int) (*leave.YearConfig, error) {
	var (
		c                             leave.YearConfig
		closedAt, closedBy, reopenJst sql.NullString
		updatedAt                     string
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT year, is_closed, closed_at, closed_by, max_consecutive_days, reopen_justification, updated_at
		FROM year_configs WHERE year = ?`, year).
		Scan(&c.Year, &c.IsClosed, &closedAt, &closedBy, &c.MaxConsecutiveDays, &reopenJst, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ClosedAt = parseNullTime(closedAt)
	c.ClosedBy = closedBy.String
	c.ReopenJustification = reopenJst.String
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (ts *txStore) PutYearConfig(ctx context.Context, c leave.YearConfig) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO year_configs (year, is_closed, closed_at, closed_by, max_consecutive_days, reopen_justification, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			is_closed = excluded.is_closed,
			closed_at = excluded.closed_at,
			closed_by = excluded.closed_by,
			max_consecutive_days = excluded.max_consecutive_days,
			reopen_justification = excluded.reopen_justification,
			updated_at = excluded.updated_at`,
		c.Year,
		c.IsClosed,
		nullTime(c.ClosedAt),
		nullString(c.ClosedBy),
		c.MaxConsecutiveDays,
		nullString(c.ReopenJustification),
		formatTime(c.UpdatedAt),
	)
	return err
}

// =============================================================================
// HOLIDAY CALENDAR
// =============================================================================

// Holidays returns holidays that can fall inside p. Recurring holidays are
// returned regardless of their stored year.
func (qs queries) Holidays(ctx context.Context, p generic.Period) ([]generic.Holiday, error) {
	return qs.queryHolidays(ctx, `
		SELECT id, date, name, recurring FROM holidays
		WHERE recurring = TRUE OR (date >= ? AND date <= ?)
		ORDER BY date ASC`,
		formatDate(p.Start), formatDate(p.End))
}

func (qs queries) ListHolidays(ctx context.Context) ([]generic.Holiday, error) {
	return qs.queryHolidays(ctx, `SELECT id, date, name, recurring FROM holidays ORDER BY date ASC`)
}

func (qs queries) queryHolidays(ctx context.Context, query string, args ...any) ([]generic.Holiday, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holidays []generic.Holiday
	for rows.Next() {
		var h generic.Holiday
		var dateStr string
		if err := rows.Scan(&h.ID, &dateStr, &h.Name, &h.Recurring); err != nil {
			return nil, err
		}
		if h.Date, err = parseDate(dateStr); err != nil {
			return nil, err
		}
		holidays = append(holidays, h)
	}
	return holidays, rows.Err()
}

// SaveHoliday saves a holiday. The same name on the same date is updated in
// place and keeps its ID.
func (ts *txStore) SaveHoliday(ctx context.Context, h generic.Holiday) (string, error) {
	var id string
	err := ts.q.QueryRowContext(ctx, `
		INSERT INTO holidays (id, date, name, recurring, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date, name) DO UPDATE SET
			recurring = excluded.recurring
		RETURNING id`,
		h.ID,
		formatDate(h.Date),
		h.Name,
		h.Recurring,
		formatTime(nowUTC()),
	).Scan(&id)
	return id, err
}

// DeleteHoliday deletes a holiday by ID.
func (ts *txStore) DeleteHoliday(ctx context.Context, id string) error {
	res, err := ts.q.ExecContext(ctx, "DELETE FROM holidays WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Kind: "holiday", ID: id}
	}
	return nil
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func (ts *txStore) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO audit_records (id, timestamp, actor_id, action, entity_name, entity_id, details_json, old_value, new_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		formatTime(e.Timestamp),
		e.ActorID,
		string(e.Action),
		e.EntityName,
		e.EntityID,
		details,
		nullString(string(e.OldValue)),
		nullString(string(e.NewValue)),
	)
	return err
}

func (qs queries) ListAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityName != "" {
		where = append(where, "entity_name = ?")
		args = append(args, f.EntityName)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if len(f.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	if f.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := `SELECT id, timestamp, actor_id, action, entity_name, entity_id, details_json, old_value, new_value FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e                       generic.AuditEntry
			ts, action              string
			details, oldVal, newVal sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &action, &e.EntityName, &e.EntityID, &details, &oldVal, &newVal); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Action = generic.AuditAction(action)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("corrupt audit details %s: %w", e.ID, err)
			}
		}
		if oldVal.Valid {
			e.OldValue = json.RawMessage(oldVal.String)
		}
		if newVal.Valid {
			e.NewValue = json.RawMessage(newVal.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
