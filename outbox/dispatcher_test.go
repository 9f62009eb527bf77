package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository that enforces the status lifecycle.
type memRepo struct {
	mu     sync.Mutex
	events []*Event
}

func (r *memRepo) add(t *testing.T, e Event) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, &e)
}

func (r *memRepo) ClaimPending(_ context.Context, limit int, staleBefore time.Time) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if len(out) == limit {
			break
		}
		stale := e.Status == StatusProcessing && e.UpdatedAt.Before(staleBefore)
		if !e.Status.CanTransitionTo(StatusProcessing) && !stale {
			continue
		}
		e.Status = StatusProcessing
		e.Attempts++
		e.UpdatedAt = time.Now().UTC()
		out = append(out, *e)
	}
	return out, nil
}

func (r *memRepo) mark(id uuid.UUID, status Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID != id {
			continue
		}
		if !e.Status.CanTransitionTo(status) {
			return ErrInvalidTransition
		}
		e.Status = status
		e.LastError = reason
		return nil
	}
	return errors.New("unknown event")
}

func (r *memRepo) MarkPublished(_ context.Context, id uuid.UUID, _ time.Time) error {
	return r.mark(id, StatusPublished, "")
}

func (r *memRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return r.mark(id, StatusFailed, reason)
}

func (r *memRepo) MarkInvalid(_ context.Context, id uuid.UUID, reason string) error {
	return r.mark(id, StatusInvalid, reason)
}

func (r *memRepo) status(id uuid.UUID) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			return e.Status
		}
	}
	return ""
}

func notification(t *testing.T, recipient string) Event {
	t.Helper()
	e, err := NewNotificationEvent(Notification{Kind: "request_approved", RecipientID: recipient, Message: "ok"})
	require.NoError(t, err)
	return e
}

func TestDispatchOnce_PublishesInOrder(t *testing.T) {
	repo := &memRepo{}
	first, second := notification(t, "eve"), notification(t, "bob")
	repo.add(t, first)
	repo.add(t, second)

	var seen []string
	pub := PublisherFunc(func(_ context.Context, e Event) error {
		n, err := DecodeNotification(e)
		require.NoError(t, err)
		seen = append(seen, n.RecipientID)
		return nil
	})

	d := NewDispatcher(repo, pub, nil, DispatcherConfig{BatchSize: 10})
	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DispatchResult{Processed: 2, Published: 2}, res)
	assert.Equal(t, []string{"eve", "bob"}, seen)
	assert.Equal(t, StatusPublished, repo.status(first.ID))

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "published events are not claimed again")
}

func TestDispatchOnce_RetriesThenGivesUp(t *testing.T) {
	// GIVEN: a publisher that always fails transiently
	// WHEN: the dispatcher runs MaxAttempts cycles
	// THEN: the event is retried, then marked invalid
	repo := &memRepo{}
	e := notification(t, "eve")
	repo.add(t, e)

	pub := PublisherFunc(func(context.Context, Event) error { return errors.New("hub unavailable") })
	d := NewDispatcher(repo, pub, nil, DispatcherConfig{MaxAttempts: 3})

	for i := 0; i < 2; i++ {
		res, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, StatusFailed, repo.status(e.ID))
	}

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Invalid)
	assert.Equal(t, StatusInvalid, repo.status(e.ID))
}

func TestDispatchOnce_UndeliverableIsInvalidImmediately(t *testing.T) {
	repo := &memRepo{}
	e, err := NewEvent("unknown.kind", "", []byte(`{}`))
	require.NoError(t, err)
	repo.add(t, e)

	d := NewDispatcher(repo, NewMux(), nil, DispatcherConfig{})
	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Invalid)
	assert.Equal(t, StatusInvalid, repo.status(e.ID))
}

func TestMux_RoutesByEventType(t *testing.T) {
	var notified, released int
	mux := NewMux()
	mux.Handle(EventNotification, PublisherFunc(func(context.Context, Event) error { notified++; return nil }))
	mux.Handle(EventAttachmentRelease, PublisherFunc(func(context.Context, Event) error { released++; return nil }))

	rel, err := NewAttachmentReleaseEvent("req-1", "files/a.pdf")
	require.NoError(t, err)

	require.NoError(t, mux.Publish(context.Background(), notification(t, "eve")))
	require.NoError(t, mux.Publish(context.Background(), rel))
	assert.Equal(t, 1, notified)
	assert.Equal(t, 1, released)
}

func TestDispatcher_StartStop(t *testing.T) {
	repo := &memRepo{}
	e := notification(t, "eve")
	repo.add(t, e)

	done := make(chan struct{})
	pub := PublisherFunc(func(context.Context, Event) error {
		close(done)
		return nil
	})

	d := NewDispatcher(repo, pub, nil, DispatcherConfig{Interval: time.Hour})
	d.Start(context.Background())
	d.Start(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not run on start")
	}
	d.Stop()
	d.Stop()

	assert.Eventually(t, func() bool { return repo.status(e.ID) == StatusPublished }, time.Second, 10*time.Millisecond)
}

func TestNewEvent_Validation(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   []byte
		wantErr   error
	}{
		{"missing type", " ", []byte(`{}`), ErrEventTypeRequired},
		{"missing payload", "x", nil, ErrPayloadRequired},
		{"not json", "x", []byte(`{`), ErrPayloadNotJSON},
		{"too large", "x", make([]byte, DefaultMaxPayloadBytes+1), ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvent(tt.eventType, "", tt.payload)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := ParseStatus("DONE")
	require.ErrorIs(t, err, ErrInvalidStatus)
	assert.False(t, StatusPublished.CanTransitionTo(StatusProcessing))
}
