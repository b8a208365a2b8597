// Package workflows assembles the orchestration graph executed for each
// task: a router entry node that picks the next runnable subtask, an
// approval gate for high-risk actions, a specialist dispatch node and a
// final review node.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/agents"
	"github.com/praxis-labs/conductor/internal/approval"
	"github.com/praxis-labs/conductor/internal/engine"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/planner"
	"github.com/praxis-labs/conductor/internal/tools"
)

// GraphName is the name the task graph registers under.
const GraphName = "task"

// Node names.
const (
	nodeRouter     = "router"
	nodeGate       = "gate"
	nodeSpecialist = "specialist"
	nodeMarkFailed = "mark-failed"
	nodeReview     = "review"
)

// Private state keys the graph threads between nodes.
const (
	keyRoute       = "route"
	keyNextSubtask = "next_subtask"
	keyFinalStatus = "final_status"
)

// Deps are the collaborators the task graph nodes close over.
type Deps struct {
	Registry  *agents.Registry
	Gate      *approval.Gate
	Catalogue *tools.Catalogue
	Caller    Caller
	Logger    *zap.Logger

	DisclosureStrategy tools.Strategy
	MaxTools           int
}

// Build compiles the task graph.
func Build(deps Deps) (*engine.Graph, error) {
	if deps.Caller == nil {
		deps.Caller = LocalCaller{}
	}
	return engine.NewGraph(GraphName).
		AddNode(engine.NewNode(nodeRouter, deps.router)).
		AddNode(engine.NewNode(nodeGate, deps.gate)).
		AddNode(engine.NewNode(nodeSpecialist, deps.specialist)).
		AddNode(engine.NewNode(nodeMarkFailed, deps.markFailed)).
		AddNode(engine.NewNode(nodeReview, deps.review)).
		SetEntry(nodeRouter).
		AddConditionalEdge(nodeRouter, func(s engine.State) string {
			switch s[keyRoute] {
			case "gate":
				return nodeGate
			case "dispatch":
				return nodeSpecialist
			default:
				return nodeReview
			}
		}).
		AddEdge(nodeGate, nodeSpecialist).
		AddEdge(nodeSpecialist, nodeRouter).
		AddEdge(nodeMarkFailed, nodeRouter).
		AddEdge(nodeReview, engine.End).
		SetRecovery(nodeSpecialist, nodeMarkFailed).
		Compile()
}

// router picks the lowest-index planned subtask whose dependencies are all
// completed, marks subtasks with failed dependencies blocked, and decides
// whether the pick needs the approval gate first. A directly dispatched pick
// moves to running here so checkpoints show it in flight.
func (d Deps) router(_ context.Context, state engine.State) (engine.NodeResult, error) {
	task, err := taskFromState(state)
	if err != nil {
		return engine.NodeResult{}, err
	}

	changed := false
	for i, st := range task.Subtasks {
		if st.State != models.SubtaskPlanned {
			continue
		}
		for _, dep := range st.DependsOn {
			if dep < len(task.Subtasks) && task.Subtasks[dep].State == models.SubtaskFailed {
				task.Subtasks[i].State = models.SubtaskBlocked
				changed = true
				break
			}
		}
	}

	pick := -1
	for i, st := range task.Subtasks {
		if st.State != models.SubtaskPlanned {
			continue
		}
		ready := true
		for _, dep := range st.DependsOn {
			if dep >= len(task.Subtasks) || task.Subtasks[dep].State != models.SubtaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			pick = i
			break
		}
	}

	delta := engine.State{}
	if pick < 0 {
		delta[keyRoute] = "review"
		if changed {
			if err := putTask(delta, task); err != nil {
				return engine.NodeResult{}, err
			}
		}
		return engine.NodeResult{Delta: delta}, nil
	}

	st := task.Subtasks[pick]
	delta[keyNextSubtask] = pick
	delta[engine.KeyCurrentAgent] = st.AgentKind
	if _, risky := planner.HighRisk(st.ActionType); risky {
		// The pick stays planned until the gate clears it.
		delta[keyRoute] = "gate"
	} else {
		task.Subtasks[pick].State = models.SubtaskRunning
		delta[keyRoute] = "dispatch"
	}
	if err := putTask(delta, task); err != nil {
		return engine.NodeResult{}, err
	}
	return engine.NodeResult{Delta: delta}, nil
}

// gate creates or re-reads the approval for the picked subtask. A pending
// request suspends the workflow; a rejection fails it unless the caller
// re-plans.
func (d Deps) gate(ctx context.Context, state engine.State) (engine.NodeResult, error) {
	task, err := taskFromState(state)
	if err != nil {
		return engine.NodeResult{}, err
	}
	idx, err := intFromState(state, keyNextSubtask)
	if err != nil || idx < 0 || idx >= len(task.Subtasks) {
		return engine.NodeResult{}, fmt.Errorf("gate: invalid subtask index: %v", state[keyNextSubtask])
	}
	st := task.Subtasks[idx]

	risk, _ := planner.HighRisk(st.ActionType)
	req, err := d.Gate.Request(ctx, task.TaskID, st.Index, risk, st.ActionType, st.Description)
	if err != nil {
		return engine.NodeResult{}, &engine.NodeError{Node: nodeGate, Kind: engine.NodeErrUpstream, Err: err}
	}

	switch req.State {
	case models.ApprovalApproved:
		task.Subtasks[idx].State = models.SubtaskRunning
		delta := engine.State{}
		if err := putTask(delta, task); err != nil {
			return engine.NodeResult{}, err
		}
		return engine.NodeResult{Delta: delta}, nil
	case models.ApprovalPending:
		return engine.NodeResult{
			Interrupt: &engine.Interrupt{
				ApprovalID:  req.ApprovalID,
				RiskLevel:   req.RiskLevel,
				ActionType:  req.ActionType,
				Description: req.Description,
			},
		}, nil
	default:
		return engine.NodeResult{}, &engine.NodeError{
			Node: nodeGate,
			Kind: engine.NodeErrInternal,
			Err:  fmt.Errorf("approval %s is %s: %s", req.ApprovalID, req.State, req.Reason),
		}
	}
}

// specialist dispatches the picked subtask to an agent with a disclosed
// tool subset and folds the result back into the task.
func (d Deps) specialist(ctx context.Context, state engine.State) (engine.NodeResult, error) {
	task, err := taskFromState(state)
	if err != nil {
		return engine.NodeResult{}, err
	}
	idx, err := intFromState(state, keyNextSubtask)
	if err != nil || idx < 0 || idx >= len(task.Subtasks) {
		return engine.NodeResult{}, fmt.Errorf("specialist: invalid subtask index: %v", state[keyNextSubtask])
	}
	st := task.Subtasks[idx]
	task.Subtasks[idx].Attempts++

	caller := d.Caller
	agent, err := d.Registry.PickForKind(st.AgentKind)
	if err != nil {
		// No live endpoint for this capability; complete the step with the
		// in-process caller so dev environments work without agents.
		agent = models.AgentRecord{AgentID: st.AgentKind, DisplayName: st.AgentKind}
		caller = LocalCaller{}
	}

	var disclosed []tools.Descriptor
	if d.Catalogue != nil {
		disclosed = d.Catalogue.Disclose(tools.DiscloseRequest{
			Strategy: d.DisclosureStrategy,
			Text:     st.Description,
			MaxTools: d.MaxTools,
		})
	}

	result, err := caller.Call(ctx, agent, st, disclosed)
	if err != nil {
		return engine.NodeResult{}, &engine.NodeError{Node: nodeSpecialist, Kind: engine.NodeErrUpstream, Err: err}
	}

	task.Subtasks[idx].State = models.SubtaskCompleted
	task.Subtasks[idx].Outputs = models.Metadata{"output": result.Output}

	delta := engine.State{
		engine.KeyMessages: []interface{}{map[string]interface{}{
			"role":    "agent",
			"agent":   agent.AgentID,
			"content": result.Output,
		}},
	}
	if len(result.ToolsUsed) > 0 {
		used := make([]interface{}, len(result.ToolsUsed))
		for i, t := range result.ToolsUsed {
			used[i] = t
		}
		delta[engine.KeyToolsUsed] = used
	}
	if err := putTask(delta, task); err != nil {
		return engine.NodeResult{}, err
	}

	chunks := make([]engine.Chunk, 0, len(result.ToolsUsed)+2)
	for _, t := range result.ToolsUsed {
		chunks = append(chunks, engine.Chunk{Type: "tool_call", Tool: t, Agent: agent.AgentID})
	}
	chunks = append(chunks,
		engine.Chunk{Type: "content", Content: result.Output, Agent: agent.AgentID},
		engine.Chunk{Type: "agent_complete", Agent: agent.AgentID},
	)
	return engine.NodeResult{Delta: delta, Chunks: chunks}, nil
}

// markFailed records an exhausted specialist failure on the subtask. Only
// dependents of the failed subtask are blocked; the router keeps
// dispatching independent work.
func (d Deps) markFailed(_ context.Context, state engine.State) (engine.NodeResult, error) {
	task, err := taskFromState(state)
	if err != nil {
		return engine.NodeResult{}, err
	}
	idx, err := intFromState(state, keyNextSubtask)
	if err != nil || idx < 0 || idx >= len(task.Subtasks) {
		return engine.NodeResult{}, fmt.Errorf("mark-failed: invalid subtask index: %v", state[keyNextSubtask])
	}

	reason, _ := state[engine.KeyLastError].(string)
	task.Subtasks[idx].State = models.SubtaskFailed
	if task.Subtasks[idx].Outputs == nil {
		task.Subtasks[idx].Outputs = models.Metadata{}
	}
	task.Subtasks[idx].Outputs["error"] = reason

	d.Logger.Warn("Subtask failed",
		zap.String("task_id", task.TaskID),
		zap.Int("subtask", idx),
		zap.String("agent_kind", task.Subtasks[idx].AgentKind),
		zap.String("reason", reason),
	)

	delta := engine.State{}
	if err := putTask(delta, task); err != nil {
		return engine.NodeResult{}, err
	}
	return engine.NodeResult{Delta: delta}, nil
}

// review computes the final task status once no runnable subtasks remain.
func (d Deps) review(_ context.Context, state engine.State) (engine.NodeResult, error) {
	task, err := taskFromState(state)
	if err != nil {
		return engine.NodeResult{}, err
	}

	completed := 0
	var failed []string
	for _, st := range task.Subtasks {
		switch st.State {
		case models.SubtaskCompleted:
			completed++
		case models.SubtaskFailed, models.SubtaskBlocked:
			failed = append(failed, fmt.Sprintf("%s#%d", st.AgentKind, st.Index))
		}
	}

	status := models.TaskStatusCompleted
	summary := fmt.Sprintf("All %d subtasks completed.", completed)
	if len(failed) > 0 {
		status = models.TaskStatusFailed
		summary = fmt.Sprintf("%d of %d subtasks completed; failed or blocked: %s",
			completed, len(task.Subtasks), strings.Join(failed, ", "))
	}

	delta := engine.State{
		keyFinalStatus: string(status),
		engine.KeyMessages: []interface{}{map[string]interface{}{
			"role":    "agent",
			"agent":   nodeReview,
			"content": summary,
		}},
	}
	if err := putTask(delta, task); err != nil {
		return engine.NodeResult{}, err
	}
	return engine.NodeResult{
		Delta: delta,
		Chunks: []engine.Chunk{
			{Type: "content", Content: summary, Agent: nodeReview},
			{Type: "agent_complete", Agent: nodeReview},
		},
	}, nil
}

// taskFromState decodes the task snapshot out of workflow state. State
// round-trips through JSON checkpoints, so the task is stored as a plain
// map.
func taskFromState(state engine.State) (models.Task, error) {
	raw, ok := state[engine.KeyTask]
	if !ok {
		return models.Task{}, fmt.Errorf("state has no task")
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return models.Task{}, err
	}
	var task models.Task
	if err := json.Unmarshal(blob, &task); err != nil {
		return models.Task{}, fmt.Errorf("decode task from state: %w", err)
	}
	return task, nil
}

// putTask stores the task back into a delta as a plain map.
func putTask(delta engine.State, task models.Task) error {
	blob, err := json.Marshal(task)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(blob, &m); err != nil {
		return err
	}
	delta[engine.KeyTask] = m
	return nil
}

// InitialState builds the state Invoke starts from.
func InitialState(task models.Task) (engine.State, error) {
	state := engine.State{}
	if err := putTask(state, task); err != nil {
		return nil, err
	}
	return state, nil
}

// TaskFromState exposes the decoded task for status snapshots.
func TaskFromState(state engine.State) (models.Task, error) { return taskFromState(state) }

// FinalStatus returns the review node's computed status, if present.
func FinalStatus(state engine.State) (models.TaskStatus, bool) {
	s, ok := state[keyFinalStatus].(string)
	if !ok {
		return "", false
	}
	return models.TaskStatus(s), true
}

// intFromState reads an integer state value that may have round-tripped
// through JSON as float64.
func intFromState(state engine.State, key string) (int, error) {
	switch v := state[key].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("state key %s is %T, not an integer", key, v)
	}
}
