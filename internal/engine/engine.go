// Package engine executes compiled workflow graphs with checkpointing,
// streaming, interruption and resume. The engine exclusively owns workflow
// instance and checkpoint mutations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/metrics"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/store"
	"github.com/praxis-labs/conductor/internal/streaming"
	"github.com/praxis-labs/conductor/internal/tracing"
)

// Options tune execution. Zero values fall back to the documented defaults.
type Options struct {
	NodeTimeout time.Duration // default 120s
	MaxRetries  int           // default 3 attempts per node
	TTL         time.Duration // workflow expiry window, default 24h
	RetryBase   time.Duration // backoff base, default 1s
}

func (o Options) withDefaults() Options {
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = 120 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	return o
}

// InvokeConfig carries per-call options.
type InvokeConfig struct {
	// GraphName selects a registered graph; empty means the default graph.
	GraphName string
	// ParentWorkflowID links this run into an audit chain.
	ParentWorkflowID string
}

// Result is the outcome of Invoke or Resume. Interrupt is non-nil when the
// workflow paused for approval; State is then the partial state at the
// pause point.
type Result struct {
	WorkflowID string
	State      State
	Final      models.WorkflowState
	Interrupt  *Interrupt
}

// StateUpdate is one element of the Stream sequence.
type StateUpdate struct {
	Node  string
	State State
}

// Engine runs workflow graphs.
type Engine struct {
	store   store.Store
	bus     *bus.Bus
	streams *streaming.Manager
	logger  *zap.Logger
	opts    Options

	mu           sync.RWMutex
	graphs       map[string]*Graph
	defaultGraph string
}

// New creates an engine. Register at least one graph before invoking.
func New(st store.Store, b *bus.Bus, streams *streaming.Manager, logger *zap.Logger, opts Options) *Engine {
	return &Engine{
		store:   st,
		bus:     b,
		streams: streams,
		logger:  logger,
		opts:    opts.withDefaults(),
		graphs:  make(map[string]*Graph),
	}
}

// Register adds a compiled graph. The first registered graph is the default.
func (e *Engine) Register(g *Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.graphs) == 0 {
		e.defaultGraph = g.Name()
	}
	e.graphs[g.Name()] = g
}

func (e *Engine) graph(name string) (*Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if name == "" {
		name = e.defaultGraph
	}
	g, ok := e.graphs[name]
	if !ok {
		return nil, fmt.Errorf("engine: unknown graph %q", name)
	}
	return g, nil
}

// Invoke runs the workflow for taskID to completion or to an approval
// pause. A second concurrent Invoke of the same task fails with
// store.ErrConflict.
func (e *Engine) Invoke(ctx context.Context, taskID string, input State, cfg InvokeConfig) (*Result, error) {
	g, err := e.graph(cfg.GraphName)
	if err != nil {
		return nil, err
	}

	inst, version, err := e.acquireNew(ctx, taskID, g, cfg.ParentWorkflowID)
	if err != nil {
		return nil, err
	}

	state := State{}
	if input != nil {
		state = state.apply(input, map[string]Reducer{})
	}
	return e.run(ctx, g, inst, version, state, g.Entry(), 0)
}

// Resume loads the latest checkpoint and continues from the recorded node.
func (e *Engine) Resume(ctx context.Context, taskID string, cfg InvokeConfig) (*Result, error) {
	g, err := e.graph(cfg.GraphName)
	if err != nil {
		return nil, err
	}

	inst, version, err := e.acquireResume(ctx, taskID)
	if err != nil {
		return nil, err
	}

	cp, err := e.latestCheckpoint(ctx, taskID)
	if err != nil {
		return nil, err
	}
	state, err := UnmarshalCheckpoint(cp.State)
	if err != nil {
		return nil, err
	}

	// A cancellation checkpoint records the node that never ran, so that
	// node runs again on the pre-cancellation state once the marker is
	// stripped.
	if ws, _ := state[KeyWorkflowState].(string); ws == string(models.WorkflowCancelled) {
		delete(state, KeyWorkflowState)
		return e.run(ctx, g, inst, version, state, cp.Node, cp.StepID)
	}

	// Resumption continues at the successor of the checkpointed node; the
	// checkpoint already reflects that node's effects.
	next, err := g.next(cp.Node, state)
	if err != nil {
		return nil, err
	}
	if next == End {
		return e.finish(ctx, g, inst, version, state, models.WorkflowCompleted, time.Now())
	}
	return e.run(ctx, g, inst, version, state, next, cp.StepID)
}

// Stream runs the workflow and yields a state update after every node. The
// channel closes when the run terminates; the final Result arrives on the
// done channel.
func (e *Engine) Stream(ctx context.Context, taskID string, input State, cfg InvokeConfig) (<-chan StateUpdate, <-chan *Result, <-chan error) {
	updates := make(chan StateUpdate, 16)
	done := make(chan *Result, 1)
	errc := make(chan error, 1)

	sub := e.streams.Subscribe(taskID, 64)
	go func() {
		defer close(updates)
		for evt := range sub {
			if evt.Type != streaming.EventNodeEnd {
				continue
			}
			var st State
			if err := json.Unmarshal([]byte(evt.Message), &st); err != nil {
				continue
			}
			select {
			case updates <- StateUpdate{Node: evt.AgentID, State: st}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer e.streams.Unsubscribe(taskID, sub)
		res, err := e.Invoke(ctx, taskID, input, cfg)
		if err != nil {
			errc <- err
			return
		}
		done <- res
	}()
	return updates, done, errc
}

// StreamEvents runs the workflow and returns the fine-grained event feed:
// node starts and ends, tool calls, content chunks, errors. The caller must
// drain the channel.
func (e *Engine) StreamEvents(ctx context.Context, taskID string, input State, cfg InvokeConfig) (<-chan streaming.Event, <-chan *Result, <-chan error) {
	sub := e.streams.Subscribe(taskID, 128)
	done := make(chan *Result, 1)
	errc := make(chan error, 1)

	go func() {
		defer e.streams.Unsubscribe(taskID, sub)
		res, err := e.Invoke(ctx, taskID, input, cfg)
		if err != nil {
			errc <- err
			return
		}
		done <- res
	}()
	return sub, done, errc
}

// acquireNew creates the workflow instance row. An existing row means a
// duplicate invocation: running rows surface ErrAlreadyRunning, terminal
// rows ErrTerminal.
func (e *Engine) acquireNew(ctx context.Context, taskID string, g *Graph, parentID string) (models.WorkflowInstance, int64, error) {
	now := time.Now()
	inst := models.WorkflowInstance{
		WorkflowID:       taskID,
		GraphName:        g.Name(),
		CurrentNode:      g.Entry(),
		State:            models.WorkflowRunning,
		ParentWorkflowID: parentID,
		ExpiresAt:        now.Add(e.opts.TTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	blob, err := json.Marshal(inst)
	if err != nil {
		return inst, 0, err
	}

	version, err := e.store.CompareAndSwap(ctx, store.KeyWorkflow(taskID), blob, 0)
	if err == nil {
		metrics.WorkflowsStarted.WithLabelValues(g.Name()).Inc()
		e.bus.Emit(bus.KindWorkflowStarted, taskID, map[string]interface{}{
			"graph": g.Name(),
		}, "engine", "")
		return inst, version, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return inst, 0, fmt.Errorf("create workflow %s: %w", taskID, err)
	}

	rec, gerr := e.store.Get(ctx, store.KeyWorkflow(taskID))
	if gerr != nil {
		return inst, 0, fmt.Errorf("create workflow %s: %w", taskID, err)
	}
	var existing models.WorkflowInstance
	if uerr := json.Unmarshal(rec.Value, &existing); uerr != nil {
		return inst, 0, fmt.Errorf("decode workflow %s: %w", taskID, uerr)
	}
	switch {
	case existing.State == models.WorkflowRunning:
		return inst, 0, fmt.Errorf("%w: %s: %s", store.ErrConflict, taskID, ErrAlreadyRunning)
	case existing.State.Terminal():
		return inst, 0, fmt.Errorf("workflow %s: %w", taskID, ErrTerminal)
	default:
		return inst, 0, fmt.Errorf("%w: workflow %s exists in state %s", store.ErrConflict, taskID, existing.State)
	}
}

// acquireResume flips waiting_approval, created or cancelled to running via
// CAS. Cancelled workflows restart from their last checkpoint; the other
// terminal states stay final.
func (e *Engine) acquireResume(ctx context.Context, taskID string) (models.WorkflowInstance, int64, error) {
	rec, err := e.store.Get(ctx, store.KeyWorkflow(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return models.WorkflowInstance{}, 0, fmt.Errorf("workflow %s: %w", taskID, err)
	} else if err != nil {
		return models.WorkflowInstance{}, 0, err
	}

	var inst models.WorkflowInstance
	if err := json.Unmarshal(rec.Value, &inst); err != nil {
		return inst, 0, fmt.Errorf("decode workflow %s: %w", taskID, err)
	}
	switch inst.State {
	case models.WorkflowWaitingApproval, models.WorkflowCreated, models.WorkflowCancelled:
	case models.WorkflowRunning:
		return inst, 0, fmt.Errorf("%w: %s: %s", store.ErrConflict, taskID, ErrAlreadyRunning)
	default:
		return inst, 0, fmt.Errorf("workflow %s in state %s: %w", taskID, inst.State, ErrTerminal)
	}

	inst.State = models.WorkflowRunning
	inst.UpdatedAt = time.Now()
	inst.ExpiresAt = time.Now().Add(e.opts.TTL)
	blob, err := json.Marshal(inst)
	if err != nil {
		return inst, 0, err
	}
	version, err := e.store.CompareAndSwap(ctx, store.KeyWorkflow(taskID), blob, rec.Version)
	if err != nil {
		return inst, 0, fmt.Errorf("resume workflow %s: %w", taskID, err)
	}
	return inst, version, nil
}

// run is the node loop. fromStep is the last persisted step id; the first
// checkpoint written here is fromStep+1.
func (e *Engine) run(ctx context.Context, g *Graph, inst models.WorkflowInstance, version int64, state State, node string, fromStep int) (*Result, error) {
	workflowID := inst.WorkflowID
	started := time.Now()
	step := fromStep

	ctx, span := tracing.StartWorkflowSpan(ctx, workflowID, g.Name())
	defer span.End()

	for node != End {
		if err := ctx.Err(); err != nil {
			return e.cancel(ctx, g, inst, version, state, node, step)
		}

		n, err := g.node(node)
		if err != nil {
			return nil, e.fail(ctx, g, inst, version, state, node, step, err)
		}

		result, err := e.runNode(ctx, workflowID, n, state)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancel(ctx, g, inst, version, state, node, step)
			}
			if handler, ok := g.recovery[node]; ok {
				e.logger.Warn("Node failed; routing to recovery node",
					zap.String("workflow_id", workflowID),
					zap.String("node", node),
					zap.String("recovery", handler),
					zap.Error(err),
				)
				state = state.apply(State{KeyLastError: err.Error()}, g.reducers)
				node = handler
				continue
			}
			return nil, e.fail(ctx, g, inst, version, state, node, step, err)
		}

		state = state.apply(result.Delta, g.reducers)
		step++

		if err := e.writeCheckpoint(ctx, workflowID, step, node, state); err != nil {
			// Durability failure is fatal: the caller must not observe
			// progress that cannot be resumed.
			return nil, e.fail(ctx, g, inst, version, state, node, step, fmt.Errorf("checkpoint write: %w", err))
		}

		e.publishChunks(workflowID, node, result.Chunks)
		e.publishNodeEnd(workflowID, node, state)
		e.bus.Emit(bus.KindNodeCompleted, workflowID, map[string]interface{}{
			"node": node,
			"step": step,
		}, "engine", "")

		if result.Interrupt != nil {
			return e.pause(ctx, inst, version, state, node, step, result.Interrupt)
		}

		next, err := g.next(node, state)
		if err != nil {
			return nil, e.fail(ctx, g, inst, version, state, node, step, err)
		}
		inst.CurrentNode = next
		node = next
	}

	return e.finish(ctx, g, inst, version, state, models.WorkflowCompleted, started)
}

// runNode executes one node under the timeout and retry policy.
func (e *Engine) runNode(ctx context.Context, workflowID string, n Node, state State) (NodeResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		nodeCtx, cancel := context.WithTimeout(ctx, e.opts.NodeTimeout)
		nodeCtx, span := tracing.StartNodeSpan(nodeCtx, workflowID, n.Name())
		start := time.Now()

		result, err := n.Run(nodeCtx, state.Clone())

		elapsed := time.Since(start)
		metrics.NodeDuration.WithLabelValues(n.Name()).Observe(float64(elapsed.Milliseconds()))
		span.End()
		cancel()

		if err == nil {
			metrics.NodeExecutions.WithLabelValues(n.Name(), "ok").Inc()
			return result, nil
		}

		nerr := classifyNodeError(n.Name(), nodeCtx, err)
		metrics.NodeExecutions.WithLabelValues(n.Name(), string(nerr.Kind)).Inc()
		lastErr = nerr

		if !nerr.Retryable() || attempt == e.opts.MaxRetries || ctx.Err() != nil {
			break
		}

		backoff := e.opts.RetryBase << (attempt - 1)
		e.logger.Warn("Node failed; retrying",
			zap.String("node", n.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return NodeResult{}, ctx.Err()
		}
	}
	return NodeResult{}, lastErr
}

// classifyNodeError maps a raw node error onto the retry taxonomy.
func classifyNodeError(node string, nodeCtx context.Context, err error) *NodeError {
	var nerr *NodeError
	if errors.As(err, &nerr) {
		return nerr
	}
	if errors.Is(err, context.DeadlineExceeded) || nodeCtx.Err() == context.DeadlineExceeded {
		return &NodeError{Node: node, Kind: NodeErrTimeout, Err: err}
	}
	return &NodeError{Node: node, Kind: NodeErrInternal, Err: err}
}

func (e *Engine) writeCheckpoint(ctx context.Context, workflowID string, step int, node string, state State) error {
	blob, err := state.MarshalCheckpoint()
	if err != nil {
		return err
	}
	cp := models.Checkpoint{
		WorkflowID:   workflowID,
		StepID:       step,
		ParentStepID: step - 1,
		Node:         node,
		State:        blob,
		CreatedAt:    time.Now(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, store.KeyCheckpoint(workflowID, step), data); err != nil {
		return err
	}
	metrics.CheckpointsWritten.Inc()
	return nil
}

// latestCheckpoint returns the highest-step checkpoint for a workflow.
func (e *Engine) latestCheckpoint(ctx context.Context, workflowID string) (models.Checkpoint, error) {
	recs, err := e.store.ScanPrefix(ctx, store.KeyCheckpointPrefix(workflowID))
	if err != nil {
		return models.Checkpoint{}, err
	}
	if len(recs) == 0 {
		return models.Checkpoint{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNoCheckpoint)
	}
	// Keys are zero-padded; the scan is ordered so the last record is the
	// newest step.
	var cp models.Checkpoint
	if err := json.Unmarshal(recs[len(recs)-1].Value, &cp); err != nil {
		return models.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (e *Engine) publishChunks(workflowID, node string, chunks []Chunk) {
	for _, c := range chunks {
		evt := streaming.Event{
			Type:      c.Type,
			AgentID:   c.Agent,
			Tool:      c.Tool,
			Message:   c.Content,
			Timestamp: time.Now(),
		}
		if evt.AgentID == "" {
			evt.AgentID = node
		}
		e.streams.Publish(workflowID, evt)
	}
}

func (e *Engine) publishNodeEnd(workflowID, node string, state State) {
	blob, err := json.Marshal(state)
	if err != nil {
		return
	}
	e.streams.Publish(workflowID, streaming.Event{
		Type:      streaming.EventNodeEnd,
		AgentID:   node,
		Message:   string(blob),
		Timestamp: time.Now(),
	})
}

// pause persists the waiting_approval transition and returns the partial
// result carrying the interrupt.
func (e *Engine) pause(ctx context.Context, inst models.WorkflowInstance, version int64, state State, node string, step int, intr *Interrupt) (*Result, error) {
	inst.State = models.WorkflowWaitingApproval
	inst.CurrentNode = node
	if _, err := e.saveInstance(ctx, inst, version); err != nil {
		return nil, err
	}
	e.logger.Info("Workflow paused for approval",
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("node", node),
		zap.Int("step", step),
		zap.String("approval_id", intr.ApprovalID),
	)
	return &Result{
		WorkflowID: inst.WorkflowID,
		State:      state,
		Final:      models.WorkflowWaitingApproval,
		Interrupt:  intr,
	}, nil
}

// cancel writes the cancelled checkpoint and instance state. The checkpoint
// names the interrupted node so a later Resume can pick it back up.
func (e *Engine) cancel(ctx context.Context, g *Graph, inst models.WorkflowInstance, version int64, state State, node string, step int) (*Result, error) {
	// The run context is gone; persistence uses a short detached context so
	// the cancellation itself is durable.
	pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pcancel()

	state = state.apply(State{KeyWorkflowState: string(models.WorkflowCancelled)}, g.reducers)
	if err := e.writeCheckpoint(pctx, inst.WorkflowID, step+1, node, state); err != nil {
		e.logger.Error("Failed to persist cancellation checkpoint",
			zap.String("workflow_id", inst.WorkflowID), zap.Error(err))
	}

	inst.State = models.WorkflowCancelled
	inst.CurrentNode = node
	if _, err := e.saveInstance(pctx, inst, version); err != nil {
		e.logger.Error("Failed to persist cancelled instance",
			zap.String("workflow_id", inst.WorkflowID), zap.Error(err))
	}

	metrics.WorkflowsCompleted.WithLabelValues(inst.GraphName, string(models.WorkflowCancelled)).Inc()
	e.bus.Emit(bus.KindWorkflowCancelled, inst.WorkflowID, nil, "engine", "")
	e.streams.Publish(inst.WorkflowID, streaming.Event{
		Type:      streaming.EventDone,
		Message:   string(models.WorkflowCancelled),
		Timestamp: time.Now(),
	})
	return &Result{
		WorkflowID: inst.WorkflowID,
		State:      state,
		Final:      models.WorkflowCancelled,
	}, ctx.Err()
}

// fail marks the workflow failed and raises the fatal error.
func (e *Engine) fail(ctx context.Context, g *Graph, inst models.WorkflowInstance, version int64, state State, node string, step int, cause error) error {
	pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pcancel()

	state = state.apply(State{KeyLastError: cause.Error()}, g.reducers)
	if err := e.writeCheckpoint(pctx, inst.WorkflowID, step+1, node, state); err != nil {
		e.logger.Error("Failed to persist failure checkpoint",
			zap.String("workflow_id", inst.WorkflowID), zap.Error(err))
	}

	inst.State = models.WorkflowFailed
	inst.CurrentNode = node
	if _, err := e.saveInstance(pctx, inst, version); err != nil {
		e.logger.Error("Failed to persist failed instance",
			zap.String("workflow_id", inst.WorkflowID), zap.Error(err))
	}

	metrics.WorkflowsCompleted.WithLabelValues(inst.GraphName, string(models.WorkflowFailed)).Inc()
	e.bus.Emit(bus.KindWorkflowFailed, inst.WorkflowID, map[string]interface{}{
		"node":  node,
		"error": cause.Error(),
	}, "engine", "")
	e.streams.Publish(inst.WorkflowID, streaming.Event{
		Type:      streaming.EventError,
		AgentID:   node,
		Message:   cause.Error(),
		Timestamp: time.Now(),
	})
	e.streams.Publish(inst.WorkflowID, streaming.Event{
		Type:      streaming.EventDone,
		Message:   string(models.WorkflowFailed),
		Timestamp: time.Now(),
	})

	e.logger.Error("Workflow failed",
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("node", node),
		zap.Error(cause),
	)
	return &EngineError{WorkflowID: inst.WorkflowID, Node: node, Err: cause}
}

// finish persists the terminal state and emits completion events.
func (e *Engine) finish(ctx context.Context, g *Graph, inst models.WorkflowInstance, version int64, state State, final models.WorkflowState, started time.Time) (*Result, error) {
	inst.State = final
	inst.CurrentNode = End
	if _, err := e.saveInstance(ctx, inst, version); err != nil {
		return nil, err
	}

	metrics.WorkflowsCompleted.WithLabelValues(g.Name(), string(final)).Inc()
	metrics.WorkflowDuration.WithLabelValues(g.Name()).Observe(time.Since(started).Seconds())
	e.bus.Emit(bus.KindWorkflowCompleted, inst.WorkflowID, map[string]interface{}{
		"status": string(final),
	}, "engine", "")
	e.streams.Publish(inst.WorkflowID, streaming.Event{
		Type:      streaming.EventDone,
		Message:   string(final),
		Timestamp: time.Now(),
	})

	e.logger.Info("Workflow finished",
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("status", string(final)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return &Result{WorkflowID: inst.WorkflowID, State: state, Final: final}, nil
}

// saveInstance writes the instance through CAS against the version this run
// holds, retrying on external refreshes (the lifecycle manager also writes
// the row to push expires_at).
func (e *Engine) saveInstance(ctx context.Context, inst models.WorkflowInstance, version int64) (int64, error) {
	inst.UpdatedAt = time.Now()
	blob, err := json.Marshal(inst)
	if err != nil {
		return 0, err
	}
	next, err := e.store.CompareAndSwap(ctx, store.KeyWorkflow(inst.WorkflowID), blob, version)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return 0, fmt.Errorf("save workflow %s: %w", inst.WorkflowID, err)
	}

	// Version moved underneath us. Only the engine changes state and
	// current_node, so merging over the fresh row is safe.
	uerr := store.UpdateWithRetry(ctx, e.store, store.KeyWorkflow(inst.WorkflowID), func(cur []byte) ([]byte, error) {
		if cur != nil {
			var fresh models.WorkflowInstance
			if err := json.Unmarshal(cur, &fresh); err == nil {
				fresh.State = inst.State
				fresh.CurrentNode = inst.CurrentNode
				fresh.UpdatedAt = inst.UpdatedAt
				return json.Marshal(fresh)
			}
		}
		return blob, nil
	})
	if uerr != nil {
		return 0, fmt.Errorf("save workflow %s: %w", inst.WorkflowID, uerr)
	}
	rec, err := e.store.Get(ctx, store.KeyWorkflow(inst.WorkflowID))
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// Instance returns the persisted workflow row for status reads.
func (e *Engine) Instance(ctx context.Context, workflowID string) (models.WorkflowInstance, error) {
	rec, err := e.store.Get(ctx, store.KeyWorkflow(workflowID))
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	var inst models.WorkflowInstance
	if err := json.Unmarshal(rec.Value, &inst); err != nil {
		return models.WorkflowInstance{}, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	return inst, nil
}

// LatestState returns the state of the newest checkpoint.
func (e *Engine) LatestState(ctx context.Context, workflowID string) (State, error) {
	cp, err := e.latestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return UnmarshalCheckpoint(cp.State)
}
