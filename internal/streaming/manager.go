// Package streaming provides per-workflow fan-out of engine events to
// connected SSE and WebSocket consumers, with a bounded replay buffer for
// Last-Event-ID resumption.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types. The first three map directly onto chat stream chunk types;
// the rest are engine-level events surfaced by StreamEvents.
const (
	EventContent       = "content"
	EventToolCall      = "tool_call"
	EventAgentComplete = "agent_complete"
	EventNodeEnd       = "node_end"
	EventError         = "error"
	EventDone          = "done"
)

// Event is a single streamed workflow update.
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	AgentID    string    `json:"agent_id,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
}

// Marshal returns JSON for SSE data lines and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for workflow events. Each workflow
// keeps a fixed-capacity ring so late subscribers can replay a backlog.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a streaming manager with the given ring capacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a workflow; the caller must drain
// it and call Unsubscribe.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workflowID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, workflowID)
		}
	}
}

// publishWait bounds how long Publish holds on to a critical event for a
// subscriber whose queue is full.
const publishWait = 100 * time.Millisecond

// critical reports whether live subscribers must see the event even when
// their queue is momentarily full. Content and node-end events can be
// dropped and recovered through replay.
func critical(eventType string) bool {
	switch eventType {
	case EventToolCall, EventAgentComplete, EventError, EventDone:
		return true
	}
	return false
}

// Publish assigns the next sequence number and sends the event to all
// subscribers of workflowID. Delivery is non-blocking except for critical
// events, which wait up to publishWait for a slow subscriber to drain.
func (m *Manager) Publish(workflowID string, evt Event) {
	m.mu.Lock()
	rg := m.history[workflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[workflowID] = rg
	}
	evt.WorkflowID = workflowID
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[workflowID]
	m.mu.Unlock()

	var timeout <-chan time.Time
	for ch := range subs {
		select {
		case ch <- evt:
			continue
		default:
		}
		if !critical(evt.Type) {
			// Drop for the slow subscriber; replay covers the gap.
			continue
		}
		if timeout == nil {
			timer := time.NewTimer(publishWait)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case ch <- evt:
		case <-timeout:
		}
	}
}

// ReplaySince returns events with Seq > since, best-effort within ring
// capacity.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[workflowID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a workflow. Called by the TTL sweeper.
func (m *Manager) Forget(workflowID string) {
	m.mu.Lock()
	delete(m.history, workflowID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
