// Package bus implements the in-process publish/subscribe fabric used by
// the approval gate, the lifecycle manager and the gateway.
//
// There is no persistence and no replay: consumers that need durability read
// from the store directly. Handlers for one event run concurrently and
// independently; within a single kind each handler observes events in
// emission order.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/metrics"
)

// Kind identifies an event type.
type Kind string

const (
	KindWorkflowStarted   Kind = "workflow_started"
	KindWorkflowCompleted Kind = "workflow_completed"
	KindWorkflowFailed    Kind = "workflow_failed"
	KindWorkflowCancelled Kind = "workflow_cancelled"
	KindWorkflowExpired   Kind = "workflow_expired"
	KindNodeCompleted     Kind = "node_completed"
	KindApprovalRequired  Kind = "approval_required"
	KindApprovalApproved  Kind = "approval_approved"
	KindApprovalRejected  Kind = "approval_rejected"
	KindApprovalExpired   Kind = "approval_expired"
	KindAgentHeartbeat    Kind = "agent_heartbeat"
)

// Event is published once and dropped after fan-out.
type Event struct {
	Kind          Kind
	WorkflowID    string
	Payload       map[string]interface{}
	Source        string
	CorrelationID string
	EmittedAt     time.Time
}

// Handler consumes one event. Handlers must not block indefinitely; a slow
// handler only delays its own queue.
type Handler func(Event)

// subscriber owns a sequential delivery queue so per-kind ordering holds
// even though distinct handlers run concurrently.
type subscriber struct {
	kind Kind
	ch   chan Event
}

const subscriberQueue = 128

// Bus fans events out to subscribers. Subscriber lists are copy-on-write:
// Emit snapshots the list without holding the lock during delivery.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*subscriber
	logger *zap.Logger
	wg     sync.WaitGroup
	closed bool
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a handler for kind. Multiple handlers per kind are
// allowed. The handler runs on its own goroutine until Close.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	sub := &subscriber{kind: kind, ch: make(chan Event, subscriberQueue)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	next := make([]*subscriber, len(b.subs[kind]), len(b.subs[kind])+1)
	copy(next, b.subs[kind])
	b.subs[kind] = append(next, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for evt := range sub.ch {
			b.dispatch(handler, evt)
		}
	}()
}

// dispatch runs one handler invocation, isolating panics so a failing
// handler cannot affect Emit or sibling handlers.
func (b *Bus) dispatch(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerFailures.WithLabelValues(string(evt.Kind)).Inc()
			b.logger.Error("Event handler panicked",
				zap.String("kind", string(evt.Kind)),
				zap.String("workflow_id", evt.WorkflowID),
				zap.Any("panic", r),
			)
		}
	}()
	handler(evt)
}

// Emit publishes an event to all subscribers of its kind. Delivery is
// non-blocking; a subscriber whose queue is full loses the event with a
// logged warning rather than stalling the emitter.
func (b *Bus) Emit(kind Kind, workflowID string, payload map[string]interface{}, source, correlationID string) {
	evt := Event{
		Kind:          kind,
		WorkflowID:    workflowID,
		Payload:       payload,
		Source:        source,
		CorrelationID: correlationID,
		EmittedAt:     time.Now(),
	}

	b.mu.RLock()
	subs := b.subs[kind]
	b.mu.RUnlock()

	metrics.BusEventsEmitted.WithLabelValues(string(kind)).Inc()
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("kind", string(kind)),
				zap.String("workflow_id", workflowID),
			)
		}
	}
}

// Close stops delivery and waits for in-flight handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[Kind][]*subscriber)
	b.mu.Unlock()
	b.wg.Wait()
}
