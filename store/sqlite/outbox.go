package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-ledger/outbox"
)

// =============================================================================
// OUTBOX (outbox.Repository)
// =============================================================================

const outboxColumns = `id, event_type, aggregate_id, payload, status, attempts, last_error, created_at, updated_at, published_at`

func (ts *txStore) AppendOutbox(ctx context.Context, e outbox.Event) error {
	_, err := ts.q.ExecContext(ctx,
		`INSERT INTO outbox_events (`+outboxColumns+`) VALUES (`+placeholders(10)+`)`,
		e.ID.String(),
		e.EventType,
		nullString(e.AggregateID),
		string(e.Payload),
		string(outbox.StatusPending),
		0,
		sql.NullString{},
		formatTime(e.CreatedAt),
		formatTime(e.CreatedAt),
		sql.NullString{},
	)
	return err
}

// ClaimPending moves claimable events to PROCESSING and returns them oldest
// first.
func (s *Store) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	rows, err := sqlTx.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE status IN (?, ?) OR (status = ? AND updated_at < ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`,
		string(outbox.StatusPending), string(outbox.StatusFailed),
		string(outbox.StatusProcessing), formatTime(staleBefore),
		limit)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	now := nowUTC()
	for i := range events {
		events[i].Status = outbox.StatusProcessing
		events[i].Attempts++
		events[i].UpdatedAt = now
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE outbox_events SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
			string(outbox.StatusProcessing), events[i].Attempts, formatTime(now), events[i].ID.String()); err != nil {
			return nil, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return events, nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.markOutbox(ctx, id, outbox.StatusPublished, "", &at)
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.markOutbox(ctx, id, outbox.StatusFailed, reason, nil)
}

func (s *Store) MarkInvalid(ctx context.Context, id uuid.UUID, reason string) error {
	return s.markOutbox(ctx, id, outbox.StatusInvalid, reason, nil)
}

func (s *Store) markOutbox(ctx context.Context, id uuid.UUID, status outbox.Status, reason string, publishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = ?, last_error = ?, published_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), nullString(reason), nullTime(publishedAt), formatTime(nowUTC()),
		id.String(), string(outbox.StatusProcessing))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: event %s is not processing", outbox.ErrInvalidTransition, id)
	}
	return nil
}

// ListOutbox returns events in status, oldest first. An empty status lists
// every event.
func (s *Store) ListOutbox(ctx context.Context, status outbox.Status) ([]outbox.Event, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]outbox.Event, error) {
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var (
			e                                 outbox.Event
			id, payload, status               string
			aggregate, lastError, publishedAt sql.NullString
			createdAt, updatedAt              string
		)
		if err := rows.Scan(&id, &e.EventType, &aggregate, &payload, &status, &e.Attempts, &lastError,
			&createdAt, &updatedAt, &publishedAt); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("corrupt outbox id %q: %w", id, err)
		}
		if e.Status, err = outbox.ParseStatus(status); err != nil {
			return nil, err
		}
		e.ID = parsed
		e.AggregateID = aggregate.String
		e.Payload = []byte(payload)
		e.LastError = lastError.String
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		e.PublishedAt = parseNullTime(publishedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
