package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/model"
)

func TestSendFIFOPerRecipient(t *testing.T) {
	b := New(nil, 4)
	b.Register("agent-1")

	for i := 0; i < 3; i++ {
		err := b.Send(context.Background(), "agent-1", model.Envelope{
			Kind: model.KindTaskRequest, ExpiresAt: model.Now().Add(time.Minute),
			Payload: model.Payload{"i": i},
		})
		require.NoError(t, err)
	}

	ch, ok := b.Inbox("agent-1")
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		env := <-ch
		assert.Equal(t, i, env.Payload["i"])
	}
}

func TestSendNoSuchRecipient(t *testing.T) {
	b := New(nil, 4)
	err := b.Send(context.Background(), "ghost", model.Envelope{Kind: model.KindHeartbeat})
	require.Error(t, err)
}

func TestSendUnreachable(t *testing.T) {
	b := New(nil, 4)
	b.Register("agent-1")
	b.SetHealthy("agent-1", false)
	err := b.Send(context.Background(), "agent-1", model.Envelope{Kind: model.KindHeartbeat})
	require.Error(t, err)
}

func TestSendQueueFull(t *testing.T) {
	b := New(nil, 1)
	b.Register("agent-1")
	require.NoError(t, b.Send(context.Background(), "agent-1", model.Envelope{Kind: model.KindHeartbeat}))
	err := b.Send(context.Background(), "agent-1", model.Envelope{Kind: model.KindHeartbeat})
	require.Error(t, err)
}

func TestPublishDropsFullSubscriberWithoutBlockingOthers(t *testing.T) {
	b := New(nil, 1)
	b.Register("slow")
	b.Register("fast")
	b.Subscribe("topic-a", "slow")
	b.Subscribe("topic-a", "fast")

	b.Publish("topic-a", model.Envelope{Payload: model.Payload{"n": 1}})
	b.Publish("topic-a", model.Envelope{Payload: model.Payload{"n": 2}})

	fastCh, _ := b.Inbox("fast")
	select {
	case <-fastCh:
	default:
		t.Fatal("fast subscriber should have received the first publish")
	}
	// Both capacity-1 inboxes still hold the first publish, so the second
	// is dropped once per subscriber.
	assert.Equal(t, 2, b.DroppedCount("topic-a"))
}

func TestRequestReplyRoundTrip(t *testing.T) {
	b := New(nil, 4)
	b.Register("agent-1")

	go func() {
		ch, _ := b.Inbox("agent-1")
		req := <-ch
		b.Reply(model.Envelope{
			CorrelationID: req.CorrelationID,
			ExpiresAt:     model.Now().Add(time.Minute),
			Payload:       model.Payload{"ok": true},
		})
	}()

	reply, err := b.Request(context.Background(), "agent-1", model.Envelope{Kind: model.KindTaskRequest}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, reply.Payload["ok"])
}

func TestRequestTimesOutAndCleansUpWaiter(t *testing.T) {
	b := New(nil, 4)
	b.Register("agent-1")

	_, err := b.Request(context.Background(), "agent-1", model.Envelope{Kind: model.KindTaskRequest}, 10*time.Millisecond)
	require.Error(t, err)

	b.waitMu.Lock()
	n := len(b.waiters)
	b.waitMu.Unlock()
	assert.Equal(t, 0, n)
}

func TestExpiredReplyNeverWakesWaiter(t *testing.T) {
	b := New(nil, 4)
	b.Register("agent-1")

	done := make(chan struct{})
	go func() {
		ch, _ := b.Inbox("agent-1")
		req := <-ch
		b.Reply(model.Envelope{
			CorrelationID: req.CorrelationID,
			ExpiresAt:     model.Now().Add(-time.Second), // already expired
		})
		close(done)
	}()

	_, err := b.Request(context.Background(), "agent-1", model.Envelope{Kind: model.KindTaskRequest}, 50*time.Millisecond)
	require.Error(t, err)
	<-done
}
