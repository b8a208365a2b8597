package engine

import (
	"encoding/json"
	"fmt"
)

// State is the typed workflow state mapping. Nodes receive a snapshot and
// return a delta; the engine folds deltas in with per-key reducers at node
// boundaries only.
type State map[string]interface{}

// Reducer folds a node-returned delta value into the current value of one
// state key.
type Reducer func(current, delta interface{}) interface{}

// Well-known state keys and their merge behaviour.
const (
	// KeyMessages accumulates conversation turns; reducer appends.
	KeyMessages = "messages"
	// KeyCurrentAgent names the specialist driving the workflow; reducer
	// replaces.
	KeyCurrentAgent = "current_agent"
	// KeyRAGContext holds retrieved context entries; reducer merges by the
	// entry's "id" field, delta wins.
	KeyRAGContext = "rag_context"
	// KeyToolsUsed records tool names invoked so far; reducer dedupes.
	KeyToolsUsed = "mcp_tools_used"
	// KeyTask carries the task snapshot the graph operates on.
	KeyTask = "task"
	// KeyLastError records the most recent recoverable node error.
	KeyLastError = "last_error"
	// KeyWorkflowState marks a cancellation checkpoint. Resume strips the
	// marker and re-runs the recorded node.
	KeyWorkflowState = "workflow_state"
)

// ReplaceReducer overwrites the current value with the delta.
func ReplaceReducer(_, delta interface{}) interface{} { return delta }

// AppendReducer concatenates list deltas onto the current list. A scalar
// delta is treated as a one-element list.
func AppendReducer(current, delta interface{}) interface{} {
	out := toSlice(current)
	out = append(out, toSlice(delta)...)
	return out
}

// MergeByIDReducer merges list entries keyed by their "id" field. Entries in
// the delta replace same-id entries in the current value; new ids append in
// delta order. Entries without an id always append.
func MergeByIDReducer(current, delta interface{}) interface{} {
	out := toSlice(current)
	index := make(map[string]int, len(out))
	for i, item := range out {
		if id := entryID(item); id != "" {
			index[id] = i
		}
	}
	for _, item := range toSlice(delta) {
		id := entryID(item)
		if id == "" {
			out = append(out, item)
			continue
		}
		if i, ok := index[id]; ok {
			out[i] = item
			continue
		}
		index[id] = len(out)
		out = append(out, item)
	}
	return out
}

// DedupeReducer appends delta items not already present, comparing by
// string form. Order of first occurrence is preserved.
func DedupeReducer(current, delta interface{}) interface{} {
	out := toSlice(current)
	seen := make(map[string]struct{}, len(out))
	for _, item := range out {
		seen[fmt.Sprintf("%v", item)] = struct{}{}
	}
	for _, item := range toSlice(delta) {
		k := fmt.Sprintf("%v", item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}

func toSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]interface{}, len(s))
		copy(out, s)
		return out
	default:
		return []interface{}{v}
	}
}

func entryID(item interface{}) string {
	m, ok := item.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

// defaultReducers wires the well-known keys; unknown keys replace.
func defaultReducers() map[string]Reducer {
	return map[string]Reducer{
		KeyMessages:   AppendReducer,
		KeyRAGContext: MergeByIDReducer,
		KeyToolsUsed:  DedupeReducer,
	}
}

// apply folds a delta into the state using the graph's reducers. The input
// state is not mutated.
func (s State) apply(delta State, reducers map[string]Reducer) State {
	next := make(State, len(s)+len(delta))
	for k, v := range s {
		next[k] = v
	}
	for k, v := range delta {
		if r, ok := reducers[k]; ok {
			next[k] = r(next[k], v)
			continue
		}
		next[k] = v
	}
	return next
}

// Clone returns a shallow copy so nodes cannot mutate the engine's copy of
// top-level keys.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// MarshalCheckpoint serialises the state for a checkpoint blob.
func (s State) MarshalCheckpoint() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return b, nil
}

// UnmarshalCheckpoint restores a state from a checkpoint blob.
func UnmarshalCheckpoint(blob []byte) (State, error) {
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if s == nil {
		s = State{}
	}
	return s, nil
}
