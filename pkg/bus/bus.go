// Package bus implements the process-internal pub/sub and request/reply
// message fabric (§4.2). It routes typed envelopes between agents and
// the engine with per-recipient FIFO ordering, bounded inboxes, and
// correlation-based request/reply.
//
// Modeled on the teacher's channel-per-recipient + broadcast-per-topic
// shape (see the A2A message routing in the retrieval pack): each
// recipient owns a buffered channel standing in for its inbox; topics
// fan out to a snapshot of current subscribers taken under a read lock.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/observability"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

const component = "bus"

// DefaultInboxCapacity is the per-recipient inbox size (§4.2).
const DefaultInboxCapacity = 1024

// Handler receives delivered envelopes. Subscribe registers a handler
// against a topic; Send/Request deliver directly to a recipient's inbox
// which callers drain with Inbox(id).
type Handler func(context.Context, model.Envelope)

type inbox struct {
	id       string
	ch       chan model.Envelope
	mu       sync.Mutex
	fifoSeq  uint64
	lastSeen uint64
}

type waiter struct {
	reply chan model.Envelope
	done  chan struct{}
}

// Bus is the process-wide singleton message fabric (§9 Design Notes:
// "Global state"). Tests construct their own instance via New.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	inboxes   map[string]*inbox
	topics    map[string]map[string]*inbox // topic -> handlerID -> inbox
	healthy   map[string]bool

	waitMu  sync.Mutex
	waiters map[string]*waiter

	droppedMu sync.Mutex
	dropped   map[string]int // topic -> count of dropped-due-to-full deliveries

	capacity int

	metrics *observability.Metrics
}

// SetMetrics wires a Metrics collector into the bus after construction,
// the same post-construction pattern as agentregistry.Registry.SetSink.
func (b *Bus) SetMetrics(m *observability.Metrics) {
	b.metrics = m
}

// New constructs an empty Bus with the given per-recipient inbox capacity.
func New(logger *slog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		inboxes:  make(map[string]*inbox),
		topics:   make(map[string]map[string]*inbox),
		healthy:  make(map[string]bool),
		waiters:  make(map[string]*waiter),
		dropped:  make(map[string]int),
		capacity: capacity,
	}
}

// Register creates (or resets) a recipient's inbox so Send/Request can
// target it. MarkHealthy/MarkUnreachable is expected to be driven by the
// agent registry, kept separate here so the bus stays registry-agnostic.
func (b *Bus) Register(recipientID string) chan model.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ib := &inbox{id: recipientID, ch: make(chan model.Envelope, b.capacity)}
	b.inboxes[recipientID] = ib
	b.healthy[recipientID] = true
	return ib.ch
}

// Deregister removes a recipient's inbox. In-flight sends already queued
// in the channel are left for the caller to drain.
func (b *Bus) Deregister(recipientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, recipientID)
	delete(b.healthy, recipientID)
}

// SetHealthy marks whether Send should treat the recipient as reachable.
// Driven by the registry's health state machine (§4.3).
func (b *Bus) SetHealthy(recipientID string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[recipientID]; ok {
		b.healthy[recipientID] = healthy
	}
}

// Subscribe adds handlerID's inbox as a topic member (§4.2). Subscription
// is durable for the handler's lifetime until Unsubscribe is called.
func (b *Bus) Subscribe(topic, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ib, ok := b.inboxes[handlerID]
	if !ok {
		ib = &inbox{id: handlerID, ch: make(chan model.Envelope, b.capacity)}
		b.inboxes[handlerID] = ib
		b.healthy[handlerID] = true
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*inbox)
	}
	b.topics[topic][handlerID] = ib
}

// Unsubscribe removes handlerID from topic's membership.
func (b *Bus) Unsubscribe(topic, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.topics[topic]; ok {
		delete(members, handlerID)
	}
}

// Inbox returns the receive channel for a registered recipient, so the
// recipient (or a test) can drain delivered envelopes.
func (b *Bus) Inbox(recipientID string) (chan model.Envelope, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ib, ok := b.inboxes[recipientID]
	if !ok {
		return nil, false
	}
	return ib.ch, true
}

// Publish fans an envelope out to every current subscriber of topic.
// Delivery is best-effort: a subscriber whose inbox is full has its copy
// dropped and a counter incremented; other subscribers are unaffected.
func (b *Bus) Publish(topic string, env model.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	start := time.Now()
	b.mu.RLock()
	members := b.topics[topic]
	snapshot := make([]*inbox, 0, len(members))
	for _, ib := range members {
		snapshot = append(snapshot, ib)
	}
	b.mu.RUnlock()

	for _, ib := range snapshot {
		select {
		case ib.ch <- env:
			b.metrics.RecordBusPublish(string(env.Kind))
			b.metrics.ObserveBusDeliver(string(env.Kind), time.Since(start))
		default:
			b.droppedMu.Lock()
			b.dropped[topic]++
			b.droppedMu.Unlock()
			b.metrics.RecordBusDrop(string(env.Kind))
			b.logger.Warn("bus: dropped publish to full subscriber inbox", "topic", topic, "recipient", ib.id)
		}
	}
}

// DroppedCount reports how many subscriber copies of publishes to topic
// have been dropped due to a full subscriber inbox, for observability.
func (b *Bus) DroppedCount(topic string) int {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped[topic]
}

// Send performs point-to-point delivery to a specific agent ID (§4.2).
func (b *Bus) Send(ctx context.Context, recipient string, env model.Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Recipient = recipient

	b.mu.RLock()
	ib, ok := b.inboxes[recipient]
	healthy := b.healthy[recipient]
	b.mu.RUnlock()

	if !ok {
		return orcherr.New(component, "Send", orcherr.KindNotFound, fmt.Sprintf("no such recipient %q", recipient), nil)
	}
	if !healthy {
		return orcherr.New(component, "Send", orcherr.KindAgentUnreachable, fmt.Sprintf("recipient %q is not healthy", recipient), nil)
	}
	if env.Expired(model.Now()) {
		return orcherr.New(component, "Send", orcherr.KindValidationFailed, "envelope already expired", nil)
	}

	start := time.Now()
	select {
	case ib.ch <- env:
		b.metrics.RecordBusPublish(string(env.Kind))
		b.metrics.ObserveBusDeliver(string(env.Kind), time.Since(start))
		return nil
	default:
		b.metrics.RecordBusDrop(string(env.Kind))
		return orcherr.New(component, "Send", orcherr.KindFatalInternal, fmt.Sprintf("recipient %q inbox at capacity", recipient), errQueueFull)
	}
}

var errQueueFull = fmt.Errorf("queue_full")

// Request performs a correlated request/reply with a bounded timeout
// (§4.2). It registers a one-shot waiter keyed by a fresh correlation ID,
// sends the request, and blocks until a matching reply arrives, the
// timeout elapses, or ctx is cancelled. Waiters are always cleaned up.
func (b *Bus) Request(ctx context.Context, recipient string, env model.Envelope, timeout time.Duration) (model.Envelope, error) {
	corrID := uuid.NewString()
	env.CorrelationID = corrID
	if env.ExpiresAt.IsZero() {
		env.ExpiresAt = model.Now().Add(timeout)
	}

	w := &waiter{reply: make(chan model.Envelope, 1), done: make(chan struct{})}
	b.waitMu.Lock()
	b.waiters[corrID] = w
	b.waitMu.Unlock()
	defer b.removeWaiter(corrID)

	if err := b.Send(ctx, recipient, env); err != nil {
		return model.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-w.reply:
		return reply, nil
	case <-timer.C:
		return model.Envelope{}, orcherr.New(component, "Request", orcherr.KindTransientNetwork, "request timed out", errTimeout)
	case <-ctx.Done():
		return model.Envelope{}, orcherr.New(component, "Request", orcherr.KindTransientNetwork, "request cancelled", ctx.Err())
	}
}

var errTimeout = fmt.Errorf("timeout")

func (b *Bus) removeWaiter(corrID string) {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	delete(b.waiters, corrID)
}

// Reply delivers env to the waiter registered under env.CorrelationID, if
// any is still outstanding and env has not expired. Replies that arrive
// after expiry, or with no matching waiter, are dropped silently per §3's
// envelope invariant.
func (b *Bus) Reply(env model.Envelope) {
	if env.CorrelationID == "" {
		return
	}
	if env.Expired(model.Now()) {
		b.logger.Debug("bus: dropped expired reply", "correlation_id", env.CorrelationID)
		return
	}
	b.waitMu.Lock()
	w, ok := b.waiters[env.CorrelationID]
	b.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case w.reply <- env:
	default:
	}
}
