package engine

import (
	"context"
	"fmt"
)

// End is the sentinel successor that terminates graph execution.
const End = "END"

// Chunk is a streamed fragment a node emits while running. Chunks reach
// subscribers through the streaming manager in emission order.
type Chunk struct {
	Type    string // content | tool_call | agent_complete
	Content string
	Tool    string
	Agent   string
}

// Interrupt suspends the workflow pending an external decision. It is a
// value returned by a node, not an error; the engine treats it as a normal
// transition into waiting_approval.
type Interrupt struct {
	ApprovalID  string `json:"approval_id"`
	RiskLevel   string `json:"risk_level"`
	ActionType  string `json:"action_type"`
	Description string `json:"description"`
}

// NodeResult is what one node execution produces: a state delta, streamed
// chunks, and either an interrupt or nothing.
type NodeResult struct {
	Delta     State
	Chunks    []Chunk
	Interrupt *Interrupt
}

// Node is one unit of the graph. Run receives an immutable state snapshot
// and must not retain it past the call.
type Node interface {
	Name() string
	Run(ctx context.Context, state State) (NodeResult, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc struct {
	name string
	fn   func(ctx context.Context, state State) (NodeResult, error)
}

// NewNode wraps fn as a named node.
func NewNode(name string, fn func(ctx context.Context, state State) (NodeResult, error)) *NodeFunc {
	return &NodeFunc{name: name, fn: fn}
}

func (n *NodeFunc) Name() string { return n.name }

func (n *NodeFunc) Run(ctx context.Context, state State) (NodeResult, error) {
	return n.fn(ctx, state)
}

// EdgeFunc picks the successor of a node from the post-reduction state. It
// returns a node name or End.
type EdgeFunc func(state State) string

// Graph is a compiled directed graph of nodes. Build one with NewGraph,
// then hand it to the engine. A compiled graph is immutable and safe for
// concurrent workflows.
type Graph struct {
	name     string
	entry    string
	nodes    map[string]Node
	edges    map[string]EdgeFunc
	reducers map[string]Reducer
	// recovery maps a node to the node that handles its exhausted-retry
	// failure; absent means the failure is fatal.
	recovery map[string]string
}

// GraphBuilder accumulates nodes and edges before Compile.
type GraphBuilder struct {
	g   *Graph
	err error
}

// NewGraph starts building a named graph with the default reducers.
func NewGraph(name string) *GraphBuilder {
	return &GraphBuilder{g: &Graph{
		name:     name,
		nodes:    make(map[string]Node),
		edges:    make(map[string]EdgeFunc),
		reducers: defaultReducers(),
		recovery: make(map[string]string),
	}}
}

// AddNode registers a node. Duplicate names fail at Compile.
func (b *GraphBuilder) AddNode(n Node) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.g.nodes[n.Name()]; dup {
		b.err = fmt.Errorf("duplicate node %q", n.Name())
		return b
	}
	b.g.nodes[n.Name()] = n
	return b
}

// AddEdge declares a static successor.
func (b *GraphBuilder) AddEdge(from, to string) *GraphBuilder {
	return b.AddConditionalEdge(from, func(State) string { return to })
}

// AddConditionalEdge declares a successor chosen from the current state.
func (b *GraphBuilder) AddConditionalEdge(from string, fn EdgeFunc) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.g.edges[from]; dup {
		b.err = fmt.Errorf("node %q already has an edge", from)
		return b
	}
	b.g.edges[from] = fn
	return b
}

// SetEntry names the single entry node, conventionally the router.
func (b *GraphBuilder) SetEntry(name string) *GraphBuilder {
	if b.err == nil {
		b.g.entry = name
	}
	return b
}

// SetReducer overrides the reducer for one state key.
func (b *GraphBuilder) SetReducer(key string, r Reducer) *GraphBuilder {
	if b.err == nil {
		b.g.reducers[key] = r
	}
	return b
}

// SetRecovery routes exhausted-retry failures of node from to handler
// instead of failing the workflow.
func (b *GraphBuilder) SetRecovery(from, handler string) *GraphBuilder {
	if b.err == nil {
		b.g.recovery[from] = handler
	}
	return b
}

// Compile validates the graph: the entry exists, every node has an edge,
// and every edge target that is statically known resolves to a node.
func (b *GraphBuilder) Compile() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	g := b.g
	if g.entry == "" {
		return nil, fmt.Errorf("graph %s: no entry node", g.name)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("graph %s: entry node %q not registered", g.name, g.entry)
	}
	for name := range g.nodes {
		if _, ok := g.edges[name]; !ok {
			return nil, fmt.Errorf("graph %s: node %q has no successor edge", g.name, name)
		}
	}
	for from, handler := range g.recovery {
		if _, ok := g.nodes[handler]; !ok {
			return nil, fmt.Errorf("graph %s: recovery target %q of %q not registered", g.name, handler, from)
		}
	}
	return g, nil
}

// Name returns the graph name recorded on workflow instances.
func (g *Graph) Name() string { return g.name }

// Entry returns the entry node name.
func (g *Graph) Entry() string { return g.entry }

func (g *Graph) node(name string) (Node, error) {
	n, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("graph %s: unknown node %q", g.name, name)
	}
	return n, nil
}

func (g *Graph) next(from string, state State) (string, error) {
	edge, ok := g.edges[from]
	if !ok {
		return "", fmt.Errorf("graph %s: node %q has no edge", g.name, from)
	}
	to := edge(state)
	if to == End {
		return End, nil
	}
	if _, ok := g.nodes[to]; !ok {
		return "", fmt.Errorf("graph %s: edge from %q targets unknown node %q", g.name, from, to)
	}
	return to, nil
}
