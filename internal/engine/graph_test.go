package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopNode(name string) Node {
	return NewNode(name, func(context.Context, State) (NodeResult, error) {
		return NodeResult{}, nil
	})
}

func TestCompileValidGraph(t *testing.T) {
	g, err := NewGraph("t").
		AddNode(noopNode("a")).
		AddNode(noopNode("b")).
		SetEntry("a").
		AddEdge("a", "b").
		AddEdge("b", End).
		Compile()
	require.NoError(t, err)
	assert.Equal(t, "t", g.Name())
	assert.Equal(t, "a", g.Entry())
}

func TestCompileRejectsMissingEntry(t *testing.T) {
	_, err := NewGraph("t").
		AddNode(noopNode("a")).
		AddEdge("a", End).
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entry node")
}

func TestCompileRejectsUnknownEntry(t *testing.T) {
	_, err := NewGraph("t").
		AddNode(noopNode("a")).
		SetEntry("missing").
		AddEdge("a", End).
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestCompileRejectsNodeWithoutEdge(t *testing.T) {
	_, err := NewGraph("t").
		AddNode(noopNode("a")).
		SetEntry("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no successor edge")
}

func TestCompileRejectsDuplicateNode(t *testing.T) {
	_, err := NewGraph("t").
		AddNode(noopNode("a")).
		AddNode(noopNode("a")).
		SetEntry("a").
		AddEdge("a", End).
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node")
}

func TestCompileRejectsUnknownRecoveryTarget(t *testing.T) {
	_, err := NewGraph("t").
		AddNode(noopNode("a")).
		SetEntry("a").
		AddEdge("a", End).
		SetRecovery("a", "missing").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery target")
}

func TestConditionalEdgeRoutesOnState(t *testing.T) {
	g, err := NewGraph("t").
		AddNode(noopNode("router")).
		AddNode(noopNode("left")).
		AddNode(noopNode("right")).
		SetEntry("router").
		AddConditionalEdge("router", func(s State) string {
			if s["go"] == "left" {
				return "left"
			}
			return "right"
		}).
		AddEdge("left", End).
		AddEdge("right", End).
		Compile()
	require.NoError(t, err)

	next, err := g.next("router", State{"go": "left"})
	require.NoError(t, err)
	assert.Equal(t, "left", next)

	next, err = g.next("router", State{})
	require.NoError(t, err)
	assert.Equal(t, "right", next)
}

func TestNextRejectsUnknownTarget(t *testing.T) {
	g, err := NewGraph("t").
		AddNode(noopNode("a")).
		SetEntry("a").
		AddConditionalEdge("a", func(State) string { return "nowhere" }).
		Compile()
	require.NoError(t, err)

	_, err = g.next("a", State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}
