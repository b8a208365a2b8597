package gateway

import (
	"sync"

	"github.com/praxis-labs/conductor/internal/metrics"
)

// Chunk is one element of the chat stream wire format.
type Chunk struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Chunk types. keepalive never reaches the wire as data; it renders as an
// SSE comment line.
const (
	ChunkContent       = "content"
	ChunkToolCall      = "tool_call"
	ChunkAgentComplete = "agent_complete"
	ChunkError         = "error"
	ChunkDone          = "done"
	chunkKeepalive     = "keepalive"
)

func (c Chunk) critical() bool {
	switch c.Type {
	case ChunkToolCall, ChunkAgentComplete, ChunkError, ChunkDone:
		return true
	}
	return false
}

// chunkBuffer is the bounded queue between the engine event feed and a
// slow SSE consumer. On overflow it drops keepalives first, then coalesces
// adjacent content chunks; tool_call, agent_complete, error and done are
// never dropped.
type chunkBuffer struct {
	mu     sync.Mutex
	chunks []Chunk
	limit  int
	notify chan struct{}
	closed bool
}

func newChunkBuffer(limit int) *chunkBuffer {
	if limit <= 0 {
		limit = 256
	}
	return &chunkBuffer{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a chunk, applying the overflow policy when full.
func (b *chunkBuffer) push(c Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if len(b.chunks) >= b.limit {
		if c.Type == chunkKeepalive {
			// The consumer is behind; a keepalive is pointless noise.
			b.signalLocked()
			return
		}
		b.dropKeepalivesLocked()
	}
	if len(b.chunks) >= b.limit {
		b.coalesceLocked()
	}
	if len(b.chunks) >= b.limit && c.Type == ChunkContent {
		// Merge into the trailing content chunk rather than growing.
		if last := len(b.chunks) - 1; last >= 0 && b.chunks[last].Type == ChunkContent {
			b.chunks[last].Content += c.Content
			metrics.StreamChunksCoalesced.Inc()
			b.signalLocked()
			return
		}
	}
	// Critical chunks may exceed the limit; they are few and must survive.
	b.chunks = append(b.chunks, c)
	b.signalLocked()
}

func (b *chunkBuffer) dropKeepalivesLocked() {
	kept := b.chunks[:0]
	for _, c := range b.chunks {
		if c.Type == chunkKeepalive {
			continue
		}
		kept = append(kept, c)
	}
	b.chunks = kept
}

// coalesceLocked merges runs of adjacent content chunks into one.
func (b *chunkBuffer) coalesceLocked() {
	if len(b.chunks) < 2 {
		return
	}
	out := b.chunks[:1]
	for _, c := range b.chunks[1:] {
		last := len(out) - 1
		if c.Type == ChunkContent && out[last].Type == ChunkContent && out[last].Agent == c.Agent {
			out[last].Content += c.Content
			metrics.StreamChunksCoalesced.Inc()
			continue
		}
		out = append(out, c)
	}
	b.chunks = out
}

func (b *chunkBuffer) signalLocked() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// pop dequeues the next chunk without blocking.
func (b *chunkBuffer) pop() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return Chunk{}, false
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return c, true
}

// close marks the buffer finished; pending chunks stay readable.
func (b *chunkBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.signalLocked()
	b.mu.Unlock()
}

func (b *chunkBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && len(b.chunks) == 0
}
