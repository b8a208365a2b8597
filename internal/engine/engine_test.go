package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/store"
	"github.com/praxis-labs/conductor/internal/streaming"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	b := bus.New(zap.NewNop())
	t.Cleanup(b.Close)
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	return New(st, b, streaming.NewManager(64), zap.NewNop(), opts), st
}

func appendNode(name string) Node {
	return NewNode(name, func(_ context.Context, _ State) (NodeResult, error) {
		return NodeResult{Delta: State{
			KeyMessages: []interface{}{name},
		}}, nil
	})
}

func linearGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph("linear").
		AddNode(appendNode("first")).
		AddNode(appendNode("second")).
		SetEntry("first").
		AddEdge("first", "second").
		AddEdge("second", End).
		Compile()
	require.NoError(t, err)
	return g
}

func checkpoints(t *testing.T, st *store.MemStore, workflowID string) []models.Checkpoint {
	t.Helper()
	recs, err := st.ScanPrefix(context.Background(), store.KeyCheckpointPrefix(workflowID))
	require.NoError(t, err)
	out := make([]models.Checkpoint, len(recs))
	for i, rec := range recs {
		require.NoError(t, json.Unmarshal(rec.Value, &out[i]))
	}
	return out
}

func TestInvokeRunsToCompletion(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})
	eng.Register(linearGraph(t))

	res, err := eng.Invoke(context.Background(), "wf-1", State{}, InvokeConfig{})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, res.Final)
	assert.Equal(t, []interface{}{"first", "second"}, res.State[KeyMessages])
	assert.Nil(t, res.Interrupt)

	inst, err := eng.Instance(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, inst.State)
	assert.Equal(t, End, inst.CurrentNode)
}

func TestCheckpointPerNodeWithMonotonicSteps(t *testing.T) {
	eng, st := newTestEngine(t, Options{})
	eng.Register(linearGraph(t))

	_, err := eng.Invoke(context.Background(), "wf-cp", State{}, InvokeConfig{})
	require.NoError(t, err)

	cps := checkpoints(t, st, "wf-cp")
	require.Len(t, cps, 2)
	assert.Equal(t, 1, cps[0].StepID)
	assert.Equal(t, "first", cps[0].Node)
	assert.Equal(t, 2, cps[1].StepID)
	assert.Equal(t, 1, cps[1].ParentStepID)
	assert.Equal(t, "second", cps[1].Node)

	state, err := eng.LatestState(context.Background(), "wf-cp")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"first", "second"}, state[KeyMessages])
}

func TestConcurrentInvokeConflicts(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})

	release := make(chan struct{})
	g, err := NewGraph("blocking").
		AddNode(NewNode("hold", func(ctx context.Context, _ State) (NodeResult, error) {
			select {
			case <-release:
				return NodeResult{}, nil
			case <-ctx.Done():
				return NodeResult{}, ctx.Err()
			}
		})).
		SetEntry("hold").
		AddEdge("hold", End).
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	first := make(chan error, 1)
	go func() {
		_, err := eng.Invoke(context.Background(), "wf-dup", State{}, InvokeConfig{})
		first <- err
	}()

	require.Eventually(t, func() bool {
		inst, err := eng.Instance(context.Background(), "wf-dup")
		return err == nil && inst.State == models.WorkflowRunning
	}, time.Second, time.Millisecond)

	_, err = eng.Invoke(context.Background(), "wf-dup", State{}, InvokeConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConflict)

	close(release)
	require.NoError(t, <-first)
}

func TestInvokeAfterTerminalFails(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})
	eng.Register(linearGraph(t))

	_, err := eng.Invoke(context.Background(), "wf-term", State{}, InvokeConfig{})
	require.NoError(t, err)

	_, err = eng.Invoke(context.Background(), "wf-term", State{}, InvokeConfig{})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestInterruptPausesAndResumeContinues(t *testing.T) {
	eng, st := newTestEngine(t, Options{})
	g, err := NewGraph("gated").
		AddNode(NewNode("gate", func(_ context.Context, _ State) (NodeResult, error) {
			return NodeResult{
				Delta: State{"stage": "gated"},
				Interrupt: &Interrupt{
					ApprovalID: "ap-1",
					RiskLevel:  "critical",
					ActionType: "deploy_production",
				},
			}, nil
		})).
		AddNode(appendNode("work")).
		SetEntry("gate").
		AddEdge("gate", "work").
		AddEdge("work", End).
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	res, err := eng.Invoke(context.Background(), "wf-gate", State{}, InvokeConfig{})
	require.NoError(t, err)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "ap-1", res.Interrupt.ApprovalID)
	assert.Equal(t, models.WorkflowWaitingApproval, res.Final)

	inst, err := eng.Instance(context.Background(), "wf-gate")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowWaitingApproval, inst.State)
	assert.Equal(t, "gate", inst.CurrentNode)

	// The pause point is checkpointed; resume continues at the successor.
	cps := checkpoints(t, st, "wf-gate")
	require.Len(t, cps, 1)
	assert.Equal(t, "gate", cps[0].Node)

	res, err = eng.Resume(context.Background(), "wf-gate", InvokeConfig{})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, res.Final)
	assert.Nil(t, res.Interrupt)
	assert.Equal(t, []interface{}{"work"}, res.State[KeyMessages])

	cps = checkpoints(t, st, "wf-gate")
	require.Len(t, cps, 2)
	assert.Equal(t, 2, cps[1].StepID)
	assert.Equal(t, "work", cps[1].Node)
}

func TestResumeMissingWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})
	eng.Register(linearGraph(t))

	_, err := eng.Resume(context.Background(), "wf-missing", InvokeConfig{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumeTerminalWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})
	eng.Register(linearGraph(t))

	_, err := eng.Invoke(context.Background(), "wf-done", State{}, InvokeConfig{})
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), "wf-done", InvokeConfig{})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancellationWritesCancelledCheckpoint(t *testing.T) {
	eng, st := newTestEngine(t, Options{})
	g, err := NewGraph("cancel").
		AddNode(NewNode("hold", func(ctx context.Context, _ State) (NodeResult, error) {
			<-ctx.Done()
			return NodeResult{}, ctx.Err()
		})).
		SetEntry("hold").
		AddEdge("hold", End).
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := eng.Invoke(ctx, "wf-cancel", State{}, InvokeConfig{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, models.WorkflowCancelled, res.Final)

	inst, err := eng.Instance(context.Background(), "wf-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCancelled, inst.State)

	cps := checkpoints(t, st, "wf-cancel")
	require.Len(t, cps, 1)
	var state State
	require.NoError(t, json.Unmarshal(cps[0].State, &state))
	assert.Equal(t, string(models.WorkflowCancelled), state[KeyWorkflowState])
}

func TestResumeAfterCancelRerunsInterruptedNode(t *testing.T) {
	eng, st := newTestEngine(t, Options{})

	runs := 0
	g, err := NewGraph("restart").
		AddNode(appendNode("first")).
		AddNode(NewNode("second", func(ctx context.Context, _ State) (NodeResult, error) {
			runs++
			if runs == 1 {
				<-ctx.Done()
				return NodeResult{}, ctx.Err()
			}
			return NodeResult{Delta: State{
				KeyMessages: []interface{}{"second"},
			}}, nil
		})).
		SetEntry("first").
		AddEdge("first", "second").
		AddEdge("second", End).
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := eng.Invoke(ctx, "wf-restart", State{}, InvokeConfig{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, models.WorkflowCancelled, res.Final)

	// Resume restores the last checkpoint before cancellation: the
	// interrupted node left no trace there and runs again.
	res, err = eng.Resume(context.Background(), "wf-restart", InvokeConfig{})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, res.Final)
	assert.Equal(t, []interface{}{"first", "second"}, res.State[KeyMessages])
	assert.Equal(t, 2, runs)
	assert.NotContains(t, res.State, KeyWorkflowState)

	cps := checkpoints(t, st, "wf-restart")
	require.Len(t, cps, 3)
	assert.Equal(t, "second", cps[1].Node)
	assert.Equal(t, "second", cps[2].Node)
	var marker State
	require.NoError(t, json.Unmarshal(cps[1].State, &marker))
	assert.Equal(t, string(models.WorkflowCancelled), marker[KeyWorkflowState])
	var final State
	require.NoError(t, json.Unmarshal(cps[2].State, &final))
	assert.NotContains(t, final, KeyWorkflowState)
}

func TestUpstreamErrorRetriesThenSucceeds(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxRetries: 3})

	attempts := 0
	g, err := NewGraph("flaky").
		AddNode(NewNode("call", func(_ context.Context, _ State) (NodeResult, error) {
			attempts++
			if attempts < 3 {
				return NodeResult{}, &NodeError{Node: "call", Kind: NodeErrUpstream, Err: errors.New("agent unavailable")}
			}
			return NodeResult{}, nil
		})).
		SetEntry("call").
		AddEdge("call", End).
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	res, err := eng.Invoke(context.Background(), "wf-flaky", State{}, InvokeConfig{})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, res.Final)
	assert.Equal(t, 3, attempts)
}

func TestInternalErrorFailsWithoutRetry(t *testing.T) {
	eng, st := newTestEngine(t, Options{MaxRetries: 3})

	attempts := 0
	g, err := NewGraph("broken").
		AddNode(NewNode("bad", func(_ context.Context, _ State) (NodeResult, error) {
			attempts++
			return NodeResult{}, fmt.Errorf("corrupt state")
		})).
		SetEntry("bad").
		AddEdge("bad", End).
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	_, err = eng.Invoke(context.Background(), "wf-broken", State{}, InvokeConfig{})
	require.Error(t, err)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "wf-broken", engErr.WorkflowID)
	assert.Equal(t, 1, attempts)

	inst, err := eng.Instance(context.Background(), "wf-broken")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, inst.State)

	cps := checkpoints(t, st, "wf-broken")
	require.Len(t, cps, 1)
	var state State
	require.NoError(t, json.Unmarshal(cps[0].State, &state))
	assert.Contains(t, state[KeyLastError], "corrupt state")
}

func TestExhaustedRetriesRouteToRecovery(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxRetries: 2})

	var sawError string
	g, err := NewGraph("recoverable").
		AddNode(NewNode("work", func(_ context.Context, _ State) (NodeResult, error) {
			return NodeResult{}, &NodeError{Node: "work", Kind: NodeErrUpstream, Err: errors.New("endpoint down")}
		})).
		AddNode(NewNode("cleanup", func(_ context.Context, state State) (NodeResult, error) {
			sawError, _ = state[KeyLastError].(string)
			return NodeResult{}, nil
		})).
		SetEntry("work").
		AddEdge("work", End).
		AddEdge("cleanup", End).
		SetRecovery("work", "cleanup").
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	res, err := eng.Invoke(context.Background(), "wf-rec", State{}, InvokeConfig{})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, res.Final)
	assert.Contains(t, sawError, "endpoint down")
}

func TestStreamEventsDeliversChunksAndDone(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})
	g, err := NewGraph("chatty").
		AddNode(NewNode("talk", func(_ context.Context, _ State) (NodeResult, error) {
			return NodeResult{Chunks: []Chunk{
				{Type: streaming.EventToolCall, Tool: "code::read_file", Agent: "feature-dev"},
				{Type: streaming.EventContent, Content: "hello", Agent: "feature-dev"},
			}}, nil
		})).
		SetEntry("talk").
		AddEdge("talk", End).
		Compile()
	require.NoError(t, err)
	eng.Register(g)

	events, done, errc := eng.StreamEvents(context.Background(), "wf-stream", State{}, InvokeConfig{})

	var types []string
	for evt := range events {
		types = append(types, evt.Type)
	}
	select {
	case res := <-done:
		assert.Equal(t, models.WorkflowCompleted, res.Final)
	case err := <-errc:
		t.Fatalf("unexpected stream error: %v", err)
	}
	assert.Contains(t, types, streaming.EventToolCall)
	assert.Contains(t, types, streaming.EventContent)
	assert.Contains(t, types, streaming.EventNodeEnd)
	assert.Equal(t, streaming.EventDone, types[len(types)-1])
}

func TestUnknownGraphRejected(t *testing.T) {
	eng, _ := newTestEngine(t, Options{})
	eng.Register(linearGraph(t))

	_, err := eng.Invoke(context.Background(), "wf-x", State{}, InvokeConfig{GraphName: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown graph")
}
