package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainBuffer(b *chunkBuffer) []Chunk {
	var out []Chunk
	for {
		c, ok := b.pop()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func TestBufferPreservesOrder(t *testing.T) {
	b := newChunkBuffer(8)
	b.push(Chunk{Type: ChunkContent, Content: "a"})
	b.push(Chunk{Type: ChunkToolCall, Tool: "code::run_tests"})
	b.push(Chunk{Type: ChunkContent, Content: "b"})

	out := drainBuffer(b)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Content)
	assert.Equal(t, ChunkToolCall, out[1].Type)
	assert.Equal(t, "b", out[2].Content)
}

func TestBufferDropsKeepalivesFirstOnOverflow(t *testing.T) {
	b := newChunkBuffer(3)
	b.push(Chunk{Type: chunkKeepalive})
	b.push(Chunk{Type: ChunkContent, Content: "a"})
	b.push(Chunk{Type: chunkKeepalive})
	// Full now; the pending keepalives make room for real content.
	b.push(Chunk{Type: ChunkContent, Content: "b", Agent: "other"})

	out := drainBuffer(b)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Content)
	assert.Equal(t, "b", out[1].Content)
}

func TestBufferIgnoresKeepaliveWhenFull(t *testing.T) {
	b := newChunkBuffer(2)
	b.push(Chunk{Type: ChunkContent, Content: "a"})
	b.push(Chunk{Type: ChunkToolCall})
	b.push(Chunk{Type: chunkKeepalive})

	assert.Len(t, drainBuffer(b), 2)
}

func TestBufferCoalescesAdjacentContentFromSameAgent(t *testing.T) {
	b := newChunkBuffer(3)
	b.push(Chunk{Type: ChunkContent, Content: "hel", Agent: "feature-dev"})
	b.push(Chunk{Type: ChunkContent, Content: "lo ", Agent: "feature-dev"})
	b.push(Chunk{Type: ChunkContent, Content: "world", Agent: "feature-dev"})
	// Overflow: the three runs collapse into one chunk, then the new one lands.
	b.push(Chunk{Type: ChunkContent, Content: "!", Agent: "feature-dev"})

	out := drainBuffer(b)
	require.Len(t, out, 2)
	assert.Equal(t, "hello world", out[0].Content)
	assert.Equal(t, "!", out[1].Content)
}

func TestBufferDoesNotCoalesceAcrossAgents(t *testing.T) {
	b := newChunkBuffer(2)
	b.push(Chunk{Type: ChunkContent, Content: "a", Agent: "feature-dev"})
	b.push(Chunk{Type: ChunkContent, Content: "b", Agent: "code-review"})
	// No adjacent same-agent run to collapse; the trailing merge applies
	// because the newcomer follows a content chunk.
	b.push(Chunk{Type: ChunkContent, Content: "c", Agent: "code-review"})

	out := drainBuffer(b)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Content)
	assert.Equal(t, "bc", out[1].Content)
}

func TestBufferCriticalChunksExceedLimit(t *testing.T) {
	b := newChunkBuffer(2)
	b.push(Chunk{Type: ChunkToolCall, Tool: "t1"})
	b.push(Chunk{Type: ChunkToolCall, Tool: "t2"})
	b.push(Chunk{Type: ChunkError, Error: "boom"})
	b.push(Chunk{Type: ChunkDone})

	out := drainBuffer(b)
	require.Len(t, out, 4)
	assert.Equal(t, ChunkError, out[2].Type)
	assert.Equal(t, ChunkDone, out[3].Type)
}

func TestBufferCloseKeepsPendingReadable(t *testing.T) {
	b := newChunkBuffer(4)
	b.push(Chunk{Type: ChunkContent, Content: "a"})
	b.close()
	assert.False(t, b.isClosed())

	b.push(Chunk{Type: ChunkContent, Content: "late"})

	out := drainBuffer(b)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Content)
	assert.True(t, b.isClosed())
}

func TestChunkCritical(t *testing.T) {
	assert.True(t, Chunk{Type: ChunkToolCall}.critical())
	assert.True(t, Chunk{Type: ChunkDone}.critical())
	assert.False(t, Chunk{Type: ChunkContent}.critical())
	assert.False(t, Chunk{Type: chunkKeepalive}.critical())
}
