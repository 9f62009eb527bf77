/*
Package outbox decouples real-time fanout from ledger transactions.

PURPOSE:
  A mutating operation writes its notifications as outbox events inside the
  same database transaction as the state change. A separate Dispatcher later
  claims pending events and hands them to a Publisher (the fanout hub). A
  failed or slow delivery can therefore never roll back, block or corrupt the
  ledger: the state change and its audit record are already committed.

LIFECYCLE:
  PENDING -> PROCESSING -> PUBLISHED
                        -> FAILED   -> PROCESSING (retry)
                        -> INVALID  (undeliverable or out of attempts)

SEE ALSO:
  - dispatcher.go: Claim/publish loop
  - fanout/hub.go: Publisher implementation
  - leave/txcontext.go: Writes events inside transactions
*/
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusInvalid    Status = "INVALID"

	DefaultMaxPayloadBytes = 1 << 20
)

// Event types written by the leave engine.
const (
	EventNotification      = "notification"
	EventAttachmentRelease = "attachment.released"
)

var (
	ErrEventTypeRequired = errors.New("outbox event type is required")
	ErrPayloadRequired   = errors.New("outbox payload is required")
	ErrPayloadTooLarge   = errors.New("outbox payload exceeds max size")
	ErrPayloadNotJSON    = errors.New("outbox payload must be valid JSON")
	ErrInvalidStatus     = errors.New("invalid outbox status")
	ErrInvalidTransition = errors.New("invalid outbox status transition")
	ErrUndeliverable     = errors.New("outbox event cannot be delivered")
)

// Event is an event stored in the outbox for delivery after commit.
type Event struct {
	ID          uuid.UUID
	EventType   string
	AggregateID string
	Payload     []byte
	Status      Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
}

// NewEvent creates a valid pending event.
func NewEvent(eventType, aggregateID string, payload []byte) (Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Event{}, ErrEventTypeRequired
	}
	if len(payload) == 0 {
		return Event{}, ErrPayloadRequired
	}
	if len(payload) > DefaultMaxPayloadBytes {
		return Event{}, ErrPayloadTooLarge
	}
	if !json.Valid(payload) {
		return Event{}, ErrPayloadNotJSON
	}

	now := time.Now().UTC()
	return Event{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// =============================================================================
// STATUS
// =============================================================================

// Status represents a valid outbox event lifecycle state.
type Status string

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusInvalid:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPublished || next == StatusFailed || next == StatusInvalid
	default:
		return false
	}
}

// =============================================================================
// NOTIFICATION PAYLOAD
// =============================================================================

// Notification is addressed either to one identity or to a group.
type Notification struct {
	Kind            string `json:"kind"`
	RecipientID     string `json:"recipient_id,omitempty"`
	RecipientGroup  string `json:"recipient_group,omitempty"`
	Message         string `json:"message"`
	RelatedEntityID string `json:"related_entity_id,omitempty"`
}

// NewNotificationEvent wraps n as a pending notification event.
func NewNotificationEvent(n Notification) (Event, error) {
	if n.RecipientID == "" && n.RecipientGroup == "" {
		return Event{}, fmt.Errorf("notification %q has no recipient", n.Kind)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return Event{}, fmt.Errorf("marshal notification: %w", err)
	}
	return NewEvent(EventNotification, n.RelatedEntityID, payload)
}

// DecodeNotification reads a notification payload.
func DecodeNotification(e Event) (Notification, error) {
	var n Notification
	if e.EventType != EventNotification {
		return n, fmt.Errorf("%w: event type %q is not a notification", ErrUndeliverable, e.EventType)
	}
	if err := json.Unmarshal(e.Payload, &n); err != nil {
		return n, fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}
	return n, nil
}

// AttachmentRelease tells the file store that a reference is no longer used.
type AttachmentRelease struct {
	AttachmentRef string `json:"attachment_ref"`
	RequestID     string `json:"request_id"`
}

func NewAttachmentReleaseEvent(requestID, ref string) (Event, error) {
	payload, err := json.Marshal(AttachmentRelease{AttachmentRef: ref, RequestID: requestID})
	if err != nil {
		return Event{}, fmt.Errorf("marshal attachment release: %w", err)
	}
	return NewEvent(EventAttachmentRelease, requestID, payload)
}
