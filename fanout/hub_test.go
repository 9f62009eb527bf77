package fanout_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/fanout"
	"github.com/warp/leave-ledger/outbox"
)

func TestHub_SendToReachesEveryConnectionOfIdentity(t *testing.T) {
	hub := fanout.NewHub(nil)
	a := hub.Subscribe("alice")
	b := hub.Subscribe("alice")
	other := hub.Subscribe("bob")

	n := outbox.Notification{Kind: "request_approved", RecipientID: "alice", Message: "approved"}
	assert.Equal(t, 2, hub.SendTo("alice", n))

	assert.Equal(t, n, <-a.C())
	assert.Equal(t, n, <-b.C())
	assert.Len(t, other.C(), 0)
}

func TestHub_BroadcastReachesGroupMembersOnly(t *testing.T) {
	hub := fanout.NewHub(nil)
	hr := hub.Subscribe("hana", "approvers")
	emp := hub.Subscribe("eve")

	delivered := hub.Broadcast("approvers", outbox.Notification{Kind: "request_created", RecipientGroup: "approvers"})

	assert.Equal(t, 1, delivered)
	assert.Len(t, hr.C(), 1)
	assert.Len(t, emp.C(), 0)
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := fanout.NewHub(nil)
	sub := hub.Subscribe("alice")

	// GIVEN: a full buffer
	for i := 0; i < fanout.DefaultBuffer; i++ {
		require.Equal(t, 1, hub.SendTo("alice", outbox.Notification{Kind: "k"}))
	}

	// WHEN/THEN: the next send returns immediately with no delivery
	assert.Equal(t, 0, hub.SendTo("alice", outbox.Notification{Kind: "k"}))
	assert.Len(t, sub.C(), fanout.DefaultBuffer)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := fanout.NewHub(nil)
	sub := hub.Subscribe("alice", "everyone")
	require.Equal(t, 1, hub.Connections())

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, hub.Connections())
	assert.Equal(t, 0, hub.Broadcast("everyone", outbox.Notification{Kind: "k"}))
}

func TestHub_PublishRoutesNotificationEvents(t *testing.T) {
	hub := fanout.NewHub(nil)
	sub := hub.Subscribe("alice")

	e, err := outbox.NewNotificationEvent(outbox.Notification{
		Kind:        "special_grant",
		RecipientID: "alice",
		Message:     "2 days granted",
	})
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), e))
	got := <-sub.C()
	assert.Equal(t, "special_grant", got.Kind)

	// No live connection is not an error.
	e2, err := outbox.NewNotificationEvent(outbox.Notification{Kind: "k", RecipientID: "nobody"})
	require.NoError(t, err)
	assert.NoError(t, hub.Publish(context.Background(), e2))
}

func TestHub_PublishRejectsForeignEvents(t *testing.T) {
	hub := fanout.NewHub(nil)

	e, err := outbox.NewAttachmentReleaseEvent("req-1", "s3://bucket/doc.pdf")
	require.NoError(t, err)

	err = hub.Publish(context.Background(), e)
	assert.ErrorIs(t, err, outbox.ErrUndeliverable)
}
