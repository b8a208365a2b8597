package engine

import (
	"errors"
	"fmt"
)

// NodeErrorKind classifies node-level failures for the retry policy.
type NodeErrorKind string

const (
	NodeErrTimeout  NodeErrorKind = "timeout"
	NodeErrUpstream NodeErrorKind = "upstream"
	NodeErrInternal NodeErrorKind = "internal"
)

// NodeError is a node-level failure. Timeout and upstream kinds are retried
// up to the configured attempt count; internal kinds fail immediately.
type NodeError struct {
	Node string
	Kind NodeErrorKind
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.Node, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy applies.
func (e *NodeError) Retryable() bool { return e.Kind != NodeErrInternal }

// EngineError is a fatal workflow failure. The workflow is marked failed and
// the caller must re-submit under a new task id.
type EngineError struct {
	WorkflowID string
	Node       string
	Err        error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("workflow %s failed at node %s: %v", e.WorkflowID, e.Node, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

var (
	// ErrAlreadyRunning indicates a concurrent invocation of the same task.
	ErrAlreadyRunning = errors.New("engine: workflow already running")
	// ErrNoCheckpoint indicates resume was called for a workflow without a
	// persisted checkpoint.
	ErrNoCheckpoint = errors.New("engine: no checkpoint to resume from")
	// ErrTerminal indicates an operation on a workflow that already reached
	// a terminal state.
	ErrTerminal = errors.New("engine: workflow is terminal")
)
