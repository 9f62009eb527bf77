package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/warp/leave-ledger/outbox"
)

// =============================================================================
// OUTBOX (outbox.Repository)
// =============================================================================

const outboxColumns = `id, event_type, aggregate_id, payload, status, attempts, last_error, created_at, updated_at, published_at`

func (ts *txStore) AppendOutbox(ctx context.Context, e outbox.Event) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, 0, NULL, $6, $6, NULL)`,
		e.ID.String(), e.EventType, nullString(e.AggregateID), string(e.Payload),
		string(outbox.StatusPending), e.CreatedAt.UTC())
	return err
}

// ClaimPending locks claimable rows with SKIP LOCKED so several dispatchers
// can drain the same table without handing out an event twice.
func (s *Store) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]outbox.Event, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT id FROM outbox_events
			WHERE status IN ($1, $2) OR (status = $3 AND updated_at < $4)
			ORDER BY created_at ASC, seq ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = $3, attempts = o.attempts + 1, updated_at = $6
		FROM claimable
		WHERE o.id = claimable.id
		RETURNING o.id, o.event_type, o.aggregate_id, o.payload, o.status, o.attempts,
			o.last_error, o.created_at, o.updated_at, o.published_at, o.seq`,
		string(outbox.StatusPending), string(outbox.StatusFailed), string(outbox.StatusProcessing),
		staleBefore.UTC(), limit, time.Now().UTC())
	if err != nil {
		return nil, mapError(err)
	}
	// UPDATE ... RETURNING does not keep the CTE order.
	type claimed struct {
		outbox.Event
		seq int64
	}
	events, err := scanAll(rows, func(row pgx.Row) (claimed, error) {
		var c claimed
		e, err := scanEvent(row, &c.seq)
		c.Event = e
		return c, err
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(events, func(a, b claimed) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]outbox.Event, len(events))
	for i := range events {
		out[i] = events[i].Event
	}
	return out, nil
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET status = $1, last_error = $2, published_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		string(status), nullString(reason), utcPtr(publishedAt), time.Now().UTC(),
		id.String(), string(outbox.StatusProcessing))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %s is not processing", outbox.ErrInvalidTransition, id)
	}
	return nil
}

// ListOutbox returns events in status, oldest first. An empty status lists
// every event.
func (s *Store) ListOutbox(ctx context.Context, status outbox.Status) ([]outbox.Event, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events`
	var args params
	if status != "" {
		query += ` WHERE status = ` + args.add(string(status))
	}
	query += ` ORDER BY created_at ASC, seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, func(row pgx.Row) (outbox.Event, error) {
		return scanEvent(row)
	})
}

// scanEvent reads outboxColumns, followed by any extra destinations.
func scanEvent(row pgx.Row, extra ...any) (outbox.Event, error) {
	var (
		e                    outbox.Event
		id, status           string
		aggregate, lastError *string
		payload              []byte
	)
	dest := []any{&id, &e.EventType, &aggregate, &payload, &status, &e.Attempts, &lastError,
		&e.CreatedAt, &e.UpdatedAt, &e.PublishedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return e, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return e, fmt.Errorf("corrupt outbox id %q: %w", id, err)
	}
	if e.Status, err = outbox.ParseStatus(status); err != nil {
		return e, err
	}
	e.ID = parsed
	e.AggregateID = deref(aggregate)
	e.Payload = payload
	e.LastError = deref(lastError)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.PublishedAt = utcPtr(e.PublishedAt)
	return e, nil
}
