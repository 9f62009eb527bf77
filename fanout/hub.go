/*
Package fanout delivers notifications to connected clients.

PURPOSE:
  The Hub keeps a registry of live subscribers keyed by identity and group
  membership. It is the Publisher behind the outbox dispatcher, so delivery
  only ever happens after the originating transaction committed.

KEY CONCEPTS:
  - Subscriber: one connection, bound to an identity and zero or more groups
  - SendTo: targeted delivery to every connection of one identity
  - Broadcast: delivery to every member of a group

Sends never block. A subscriber whose buffer is full drops the message and
the drop is counted; the outbox already recorded the event as published.

SEE ALSO:
  - outbox/dispatcher.go: Calls Publish
  - api/events.go: Server-sent event stream over a Subscriber
*/
package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/outbox"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

// Subscriber is one live connection.
type Subscriber struct {
	ID       string
	Identity string
	Groups   []string

	ch chan outbox.Notification
}

// C returns the receive side of the subscriber's queue. It is closed on
// Unsubscribe.
func (s *Subscriber) C() <-chan outbox.Notification { return s.ch }

// Hub routes notifications to subscribers.
type Hub struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]*Subscriber
	byGroup    map[string]map[string]*Subscriber
	buffer     int
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		byIdentity: make(map[string]map[string]*Subscriber),
		byGroup:    make(map[string]map[string]*Subscriber),
		buffer:     DefaultBuffer,
		logger:     logger.Named("fanout"),
	}
}

// Subscribe registers a connection for identity and groups.
func (h *Hub) Subscribe(identity string, groups ...string) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.NewString(),
		Identity: identity,
		Groups:   groups,
		ch:       make(chan outbox.Notification, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	add(h.byIdentity, identity, sub)
	for _, g := range groups {
		add(h.byGroup, g, sub)
	}
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it twice is safe.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byIdentity[sub.Identity][sub.ID]; !ok {
		return
	}
	remove(h.byIdentity, sub.Identity, sub.ID)
	for _, g := range sub.Groups {
		remove(h.byGroup, g, sub.ID)
	}
	close(sub.ch)
}

// SendTo delivers n to every connection of identity and returns the number
// of connections that accepted it.
func (h *Hub) SendTo(identity string, n outbox.Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deliver(h.byIdentity[identity], n)
}

// Broadcast delivers n to every member of group.
func (h *Hub) Broadcast(group string, n outbox.Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deliver(h.byGroup[group], n)
}

// Connections returns the number of live subscribers.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.byIdentity {
		n += len(subs)
	}
	return n
}

// Publish implements outbox.Publisher. Recipients without a live connection
// are not an error.
func (h *Hub) Publish(_ context.Context, e outbox.Event) error {
	n, err := outbox.DecodeNotification(e)
	if err != nil {
		return err
	}

	var delivered int
	if n.RecipientID != "" {
		delivered = h.SendTo(n.RecipientID, n)
	} else {
		delivered = h.Broadcast(n.RecipientGroup, n)
	}
	if delivered == 0 {
		metrics.RecordFanoutDropped("no_subscriber")
	}
	return nil
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(subs map[string]*Subscriber, n outbox.Notification) int {
	delivered := 0
	for _, sub := range subs {
		select {
		case sub.ch <- n:
			delivered++
		default:
			metrics.RecordFanoutDropped("slow_subscriber")
			h.logger.Debug("dropped notification",
				zap.String("subscriber", sub.ID),
				zap.String("identity", sub.Identity),
				zap.String("kind", n.Kind))
		}
	}
	return delivered
}

func add(index map[string]map[string]*Subscriber, key string, sub *Subscriber) {
	subs, ok := index[key]
	if !ok {
		subs = make(map[string]*Subscriber)
		index[key] = subs
	}
	subs[sub.ID] = sub
}

func remove(index map[string]map[string]*Subscriber, key, id string) {
	subs, ok := index[key]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(index, key)
	}
}
