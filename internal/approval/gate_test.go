package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	b := bus.New(zap.NewNop())
	t.Cleanup(b.Close)
	return NewGate(st, b, zap.NewNop(), time.Hour), st
}

func TestRequestCreatesPending(t *testing.T) {
	g, _ := newTestGate(t)

	req, err := g.Request(context.Background(), "wf-1", 2, "critical", "deploy_production", "roll out v2")
	require.NoError(t, err)
	assert.NotEmpty(t, req.ApprovalID)
	assert.Equal(t, models.ApprovalPending, req.State)
	assert.Equal(t, "wf-1", req.WorkflowID)
	assert.Equal(t, 2, req.StepID)
	assert.True(t, req.ExpiresAt.After(req.CreatedAt))
}

func TestRequestIsIdempotentPerStep(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	first, err := g.Request(ctx, "wf-1", 2, "critical", "deploy_production", "roll out v2")
	require.NoError(t, err)
	second, err := g.Request(ctx, "wf-1", 2, "critical", "deploy_production", "roll out v2")
	require.NoError(t, err)
	assert.Equal(t, first.ApprovalID, second.ApprovalID)

	recs, err := st.ScanPrefix(ctx, "approvals/")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// A different step gets its own request.
	other, err := g.Request(ctx, "wf-1", 3, "critical", "deploy_production", "roll out v3")
	require.NoError(t, err)
	assert.NotEqual(t, first.ApprovalID, other.ApprovalID)
}

func TestRequestReturnsDecidedRecord(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	req, err := g.Request(ctx, "wf-1", 2, "critical", "deploy_production", "roll out v2")
	require.NoError(t, err)
	_, err = g.Decide(ctx, req.ApprovalID, models.ApprovalApproved, "alice", "")
	require.NoError(t, err)

	again, err := g.Request(ctx, "wf-1", 2, "critical", "deploy_production", "roll out v2")
	require.NoError(t, err)
	assert.Equal(t, req.ApprovalID, again.ApprovalID)
	assert.Equal(t, models.ApprovalApproved, again.State)
}

func TestDecideApprove(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	req, err := g.Request(ctx, "wf-1", 0, "high", "rotate_secrets", "rotate API keys")
	require.NoError(t, err)

	decided, err := g.Decide(ctx, req.ApprovalID, models.ApprovalApproved, "alice", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, decided.State)
	assert.Equal(t, "alice", decided.DecidedBy)
	assert.Equal(t, "looks safe", decided.Reason)
	require.NotNil(t, decided.DecidedAt)
}

func TestDecideTerminalIsStateError(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	req, err := g.Request(ctx, "wf-1", 0, "high", "modify_infra", "resize cluster")
	require.NoError(t, err)

	_, err = g.Decide(ctx, req.ApprovalID, models.ApprovalRejected, "alice", "too risky")
	require.NoError(t, err)

	_, err = g.Decide(ctx, req.ApprovalID, models.ApprovalApproved, "bob", "")
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, models.ApprovalRejected, stateErr.From)
	assert.Equal(t, models.ApprovalApproved, stateErr.To)
}

func TestDecideRejectsInvalidVerdict(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Decide(context.Background(), "ap-1", models.ApprovalExpired, "alice", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid verdict")
}

func TestDecideMissingApproval(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Decide(context.Background(), "ap-missing", models.ApprovalApproved, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPendingFiltersAndSorts(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	a, err := g.Request(ctx, "wf-a", 0, "high", "modify_infra", "first")
	require.NoError(t, err)
	_, err = g.Request(ctx, "wf-b", 0, "high", "modify_infra", "other workflow")
	require.NoError(t, err)
	b, err := g.Request(ctx, "wf-a", 1, "critical", "delete_data", "second")
	require.NoError(t, err)
	_, err = g.Decide(ctx, b.ApprovalID, models.ApprovalRejected, "alice", "no")
	require.NoError(t, err)

	pending, err := g.ListPending(ctx, "wf-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ApprovalID, pending[0].ApprovalID)

	all, err := g.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSweepExpired(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	stale, err := g.Request(ctx, "wf-old", 0, "critical", "deploy_production", "stale")
	require.NoError(t, err)
	fresh, err := g.Request(ctx, "wf-new", 0, "critical", "deploy_production", "fresh")
	require.NoError(t, err)

	// Backdate the stale request past its expiry window.
	rec, err := st.Get(ctx, store.KeyApproval(stale.ApprovalID))
	require.NoError(t, err)
	var req models.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Value, &req))
	req.ExpiresAt = time.Now().Add(-time.Minute)
	blob, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, rec.Key, blob))

	n, err := g.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := g.Get(ctx, stale.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, got.State)
	require.NotNil(t, got.DecidedAt)

	got, err = g.Get(ctx, fresh.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, got.State)

	// Expired is terminal; the sweep is idempotent.
	n, err = g.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDecideExpiredApprovalFails(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	req, err := g.Request(ctx, "wf-1", 0, "critical", "delete_data", "purge")
	require.NoError(t, err)

	rec, err := st.Get(ctx, store.KeyApproval(req.ApprovalID))
	require.NoError(t, err)
	var stored models.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Value, &stored))
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	blob, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, rec.Key, blob))

	_, err = g.SweepExpired(ctx)
	require.NoError(t, err)

	_, err = g.Decide(ctx, req.ApprovalID, models.ApprovalApproved, "alice", "too late")
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, models.ApprovalExpired, stateErr.From)
}

func TestForWorkflowReturnsNewestPending(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	_, err := g.ForWorkflow(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.Request(ctx, "wf-1", 0, "high", "modify_infra", "first")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := g.Request(ctx, "wf-1", 1, "critical", "delete_data", "second")
	require.NoError(t, err)

	got, err := g.ForWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, second.ApprovalID, got.ApprovalID)
}
