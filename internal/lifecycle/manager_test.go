package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/circuitbreaker"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/store"
	"github.com/praxis-labs/conductor/internal/streaming"
)

func newTestManager(t *testing.T, rw *circuitbreaker.RedisWrapper) (*Manager, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	b := bus.New(zap.NewNop())
	t.Cleanup(b.Close)
	return NewManager(st, b, rw, streaming.NewManager(8), zap.NewNop(), time.Hour, 20), st
}

func seedWorkflow(t *testing.T, st *store.MemStore, inst models.WorkflowInstance) {
	t.Helper()
	blob, err := json.Marshal(inst)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), store.KeyWorkflow(inst.WorkflowID), blob))
}

func workflowState(t *testing.T, st *store.MemStore, workflowID string) models.WorkflowState {
	t.Helper()
	rec, err := st.Get(context.Background(), store.KeyWorkflow(workflowID))
	require.NoError(t, err)
	var inst models.WorkflowInstance
	require.NoError(t, json.Unmarshal(rec.Value, &inst))
	return inst.State
}

func TestSweepExpiresTerminalWorkflows(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	seedWorkflow(t, st, models.WorkflowInstance{
		WorkflowID: "wf-old",
		State:      models.WorkflowCompleted,
		ExpiresAt:  time.Now().Add(-time.Minute),
	})
	require.NoError(t, st.Put(ctx, store.KeyCheckpoint("wf-old", 1), []byte("{}")))
	require.NoError(t, st.Put(ctx, store.KeyCheckpoint("wf-old", 2), []byte("{}")))

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.WorkflowExpired, workflowState(t, st, "wf-old"))
	cps, err := st.ScanPrefix(ctx, store.KeyCheckpointPrefix("wf-old"))
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestSweepLeavesFutureAndRunningWorkflows(t *testing.T) {
	m, st := newTestManager(t, nil)

	seedWorkflow(t, st, models.WorkflowInstance{
		WorkflowID: "wf-fresh",
		State:      models.WorkflowCompleted,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	seedWorkflow(t, st, models.WorkflowInstance{
		WorkflowID: "wf-running",
		State:      models.WorkflowRunning,
		ExpiresAt:  time.Now().Add(-time.Hour),
	})

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.WorkflowCompleted, workflowState(t, st, "wf-fresh"))
	assert.Equal(t, models.WorkflowRunning, workflowState(t, st, "wf-running"))
}

func TestSweepWaitingApprovalGetsGrace(t *testing.T) {
	m, st := newTestManager(t, nil)

	// Past TTL but inside the grace window: kept.
	seedWorkflow(t, st, models.WorkflowInstance{
		WorkflowID: "wf-graced",
		State:      models.WorkflowWaitingApproval,
		ExpiresAt:  time.Now().Add(-30 * time.Minute),
	})
	// Past TTL and past the grace window: expired.
	seedWorkflow(t, st, models.WorkflowInstance{
		WorkflowID: "wf-abandoned",
		State:      models.WorkflowWaitingApproval,
		ExpiresAt:  time.Now().Add(-2 * time.Hour),
	})

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.WorkflowWaitingApproval, workflowState(t, st, "wf-graced"))
	assert.Equal(t, models.WorkflowExpired, workflowState(t, st, "wf-abandoned"))
}

func TestRefreshTTLPushesExpiryForward(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper(client, zap.NewNop())
	t.Cleanup(func() { rw.Close() })

	m, st := newTestManager(t, rw)
	ctx := context.Background()

	seedWorkflow(t, st, models.WorkflowInstance{
		WorkflowID: "wf-1",
		State:      models.WorkflowRunning,
		ExpiresAt:  time.Now().Add(time.Minute),
	})

	require.NoError(t, m.RefreshTTL(ctx, "wf-1"))

	rec, err := st.Get(ctx, store.KeyWorkflow("wf-1"))
	require.NoError(t, err)
	var inst models.WorkflowInstance
	require.NoError(t, json.Unmarshal(rec.Value, &inst))
	assert.True(t, inst.ExpiresAt.After(time.Now().Add(50*time.Minute)))

	// The sweeper index carries the same horizon.
	ids, err := rw.ZRangeByScore(ctx, "workflow_ttl", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, ids)
}

func TestRefreshTTLMissingWorkflow(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.RefreshTTL(context.Background(), "wf-none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepUsesRedisIndexAndDropsExpiredMembers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper(client, zap.NewNop())
	t.Cleanup(func() { rw.Close() })

	m, st := newTestManager(t, rw)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	seedWorkflow(t, st, models.WorkflowInstance{
		WorkflowID: "wf-idx",
		State:      models.WorkflowFailed,
		ExpiresAt:  past,
	})
	require.NoError(t, rw.ZAdd(ctx, "workflow_ttl", redis.Z{
		Score:  float64(past.Unix()),
		Member: "wf-idx",
	}).Err())
	// An index member whose row is already gone is pruned, not fatal.
	require.NoError(t, rw.ZAdd(ctx, "workflow_ttl", redis.Z{
		Score:  float64(past.Unix()),
		Member: "wf-ghost",
	}).Err())

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.WorkflowExpired, workflowState(t, st, "wf-idx"))

	ids, err := rw.ZRangeByScore(ctx, "workflow_ttl", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetChainWalksChildFirst(t *testing.T) {
	m, st := newTestManager(t, nil)

	seedWorkflow(t, st, models.WorkflowInstance{WorkflowID: "root"})
	seedWorkflow(t, st, models.WorkflowInstance{WorkflowID: "mid", ParentWorkflowID: "root"})
	seedWorkflow(t, st, models.WorkflowInstance{WorkflowID: "leaf", ParentWorkflowID: "mid"})

	chain, err := m.GetChain(context.Background(), "leaf")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "leaf", chain[0].WorkflowID)
	assert.Equal(t, "mid", chain[1].WorkflowID)
	assert.Equal(t, "root", chain[2].WorkflowID)
}

func TestGetChainDepthLimit(t *testing.T) {
	m, st := newTestManager(t, nil)

	seed := func(n int) string {
		parent := ""
		var leaf string
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("wf-%d-of-%d", i, n)
			seedWorkflow(t, st, models.WorkflowInstance{WorkflowID: id, ParentWorkflowID: parent})
			parent = id
			leaf = id
		}
		return leaf
	}

	// A chain at exactly the limit resolves.
	chain, err := m.GetChain(context.Background(), seed(20))
	require.NoError(t, err)
	assert.Len(t, chain, 20)

	// One past the limit fails.
	_, err = m.GetChain(context.Background(), seed(21))
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Contains(t, chainErr.Reason, "depth exceeds")
}

func TestGetChainDetectsCycle(t *testing.T) {
	m, st := newTestManager(t, nil)

	seedWorkflow(t, st, models.WorkflowInstance{WorkflowID: "a", ParentWorkflowID: "b"})
	seedWorkflow(t, st, models.WorkflowInstance{WorkflowID: "b", ParentWorkflowID: "a"})

	_, err := m.GetChain(context.Background(), "a")
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, "cycle detected", chainErr.Reason)
}

func TestGetChainMissingWorkflow(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.GetChain(context.Background(), "wf-none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
