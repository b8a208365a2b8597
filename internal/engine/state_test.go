package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReducerAccumulates(t *testing.T) {
	out := AppendReducer(nil, []interface{}{"a"})
	out = AppendReducer(out, []interface{}{"b", "c"})
	assert.Equal(t, []interface{}{"a", "b", "c"}, out)
}

func TestAppendReducerScalarDelta(t *testing.T) {
	out := AppendReducer([]interface{}{"a"}, "b")
	assert.Equal(t, []interface{}{"a", "b"}, out)
}

func TestReplaceReducer(t *testing.T) {
	assert.Equal(t, "new", ReplaceReducer("old", "new"))
}

func TestMergeByIDReducerDeltaWins(t *testing.T) {
	current := []interface{}{
		map[string]interface{}{"id": "doc-1", "content": "stale"},
		map[string]interface{}{"id": "doc-2", "content": "kept"},
	}
	delta := []interface{}{
		map[string]interface{}{"id": "doc-1", "content": "fresh"},
		map[string]interface{}{"id": "doc-3", "content": "appended"},
	}

	out := MergeByIDReducer(current, delta).([]interface{})
	require.Len(t, out, 3)
	assert.Equal(t, "fresh", out[0].(map[string]interface{})["content"])
	assert.Equal(t, "kept", out[1].(map[string]interface{})["content"])
	assert.Equal(t, "doc-3", out[2].(map[string]interface{})["id"])
}

func TestMergeByIDReducerEntriesWithoutIDAppend(t *testing.T) {
	current := []interface{}{map[string]interface{}{"content": "anon"}}
	delta := []interface{}{map[string]interface{}{"content": "anon"}}

	out := MergeByIDReducer(current, delta).([]interface{})
	assert.Len(t, out, 2)
}

func TestDedupeReducer(t *testing.T) {
	out := DedupeReducer([]interface{}{"code::read_file"}, []interface{}{"code::read_file", "vcs::diff"})
	assert.Equal(t, []interface{}{"code::read_file", "vcs::diff"}, out)

	// Re-applying the same delta changes nothing.
	again := DedupeReducer(out, []interface{}{"vcs::diff"})
	assert.Equal(t, out, again)
}

func TestApplyUsesPerKeyReducers(t *testing.T) {
	reducers := defaultReducers()
	state := State{}
	state = state.apply(State{
		KeyMessages:     []interface{}{"first"},
		KeyCurrentAgent: "feature-dev",
	}, reducers)
	state = state.apply(State{
		KeyMessages:     []interface{}{"second"},
		KeyCurrentAgent: "code-review",
	}, reducers)

	assert.Equal(t, []interface{}{"first", "second"}, state[KeyMessages])
	assert.Equal(t, "code-review", state[KeyCurrentAgent])
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	original := State{KeyCurrentAgent: "feature-dev"}
	next := original.apply(State{KeyCurrentAgent: "code-review"}, defaultReducers())

	assert.Equal(t, "feature-dev", original[KeyCurrentAgent])
	assert.Equal(t, "code-review", next[KeyCurrentAgent])
}

func TestCheckpointRoundTrip(t *testing.T) {
	state := State{
		KeyMessages:     []interface{}{"hello"},
		KeyCurrentAgent: "feature-dev",
	}
	blob, err := state.MarshalCheckpoint()
	require.NoError(t, err)

	restored, err := UnmarshalCheckpoint(blob)
	require.NoError(t, err)
	assert.Equal(t, "feature-dev", restored[KeyCurrentAgent])
	assert.Equal(t, []interface{}{"hello"}, restored[KeyMessages])
}

func TestUnmarshalCheckpointNullState(t *testing.T) {
	restored, err := UnmarshalCheckpoint([]byte("null"))
	require.NoError(t, err)
	assert.NotNil(t, restored)
	assert.Empty(t, restored)
}
