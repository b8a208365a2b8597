package streaming

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 8)
	defer m.Unsubscribe("wf-1", ch)

	m.Publish("wf-1", Event{Type: EventContent, Message: "a"})
	m.Publish("wf-1", Event{Type: EventContent, Message: "b"})
	m.Publish("wf-1", Event{Type: EventDone})

	first := <-ch
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "wf-1", first.WorkflowID)
	assert.Equal(t, uint64(2), (<-ch).Seq)
	assert.Equal(t, uint64(3), (<-ch).Seq)
}

func TestSeqIsPerWorkflow(t *testing.T) {
	m := NewManager(16)
	m.Publish("wf-a", Event{Type: EventContent})
	m.Publish("wf-a", Event{Type: EventContent})
	m.Publish("wf-b", Event{Type: EventContent})

	b := m.ReplaySince("wf-b", 0)
	require.Len(t, b, 1)
	assert.Equal(t, uint64(1), b[0].Seq)
}

func TestReplaySinceFilters(t *testing.T) {
	m := NewManager(16)
	for i := 0; i < 5; i++ {
		m.Publish("wf-1", Event{Type: EventContent, Message: fmt.Sprintf("m%d", i)})
	}

	got := m.ReplaySince("wf-1", 3)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)

	assert.Len(t, m.ReplaySince("wf-1", 0), 5)
	assert.Empty(t, m.ReplaySince("wf-1", 5))
	assert.Nil(t, m.ReplaySince("wf-unknown", 0))
}

func TestRingOverwritesOldest(t *testing.T) {
	m := NewManager(4)
	for i := 1; i <= 6; i++ {
		m.Publish("wf-1", Event{Type: EventContent, Message: fmt.Sprintf("m%d", i)})
	}

	// Capacity 4: only the newest four survive, oldest first.
	got := m.ReplaySince("wf-1", 0)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(6), got[3].Seq)
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 1)
	defer m.Unsubscribe("wf-1", ch)

	m.Publish("wf-1", Event{Type: EventContent, Message: "kept"})
	m.Publish("wf-1", Event{Type: EventContent, Message: "dropped"})

	assert.Equal(t, "kept", (<-ch).Message)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %q", evt.Message)
	default:
	}
	// The full history is still replayable.
	assert.Len(t, m.ReplaySince("wf-1", 0), 2)
}

func TestCriticalEventWaitsForSlowSubscriber(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 1)
	defer m.Unsubscribe("wf-1", ch)

	m.Publish("wf-1", Event{Type: EventContent, Message: "fills the queue"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-ch
	}()
	m.Publish("wf-1", Event{Type: EventDone})

	select {
	case evt := <-ch:
		assert.Equal(t, EventDone, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("done event never delivered")
	}
}

func TestCriticalEventDropsAfterDeadline(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 1)
	defer m.Unsubscribe("wf-1", ch)

	m.Publish("wf-1", Event{Type: EventContent})

	// Nobody drains: Publish must give up after the bounded wait instead
	// of stalling the engine.
	start := time.Now()
	m.Publish("wf-1", Event{Type: EventDone})
	assert.Less(t, time.Since(start), time.Second)

	got := m.ReplaySince("wf-1", 1)
	require.Len(t, got, 1)
	assert.Equal(t, EventDone, got[0].Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 1)
	m.Unsubscribe("wf-1", ch)

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe must not panic on the closed channel.
	m.Unsubscribe("wf-1", ch)
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(16)
	m.Publish("wf-1", Event{Type: EventContent})
	require.NotEmpty(t, m.ReplaySince("wf-1", 0))

	m.Forget("wf-1")
	assert.Nil(t, m.ReplaySince("wf-1", 0))

	// Seq restarts with the history.
	m.Publish("wf-1", Event{Type: EventContent})
	got := m.ReplaySince("wf-1", 0)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
}
