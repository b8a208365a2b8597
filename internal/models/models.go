// Package models holds the shared domain types persisted and exchanged
// between the orchestrator components.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Priority classifies how urgently a task should be scheduled.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a recognised priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TaskStatus is the externally visible lifecycle of a submitted task.
type TaskStatus string

const (
	TaskStatusPlanned         TaskStatus = "planned"
	TaskStatusApprovalPending TaskStatus = "approval_pending"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
	TaskStatusExpired         TaskStatus = "expired"
)

// Task is a caller-submitted development request. TaskID is the idempotency
// key for orchestrate and execute.
type Task struct {
	TaskID       string     `json:"task_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Priority     Priority   `json:"priority"`
	Requester    string     `json:"requester,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	Metadata     Metadata   `json:"metadata,omitempty"`
	Status       TaskStatus `json:"status"`
	ApprovalID   string     `json:"approval_request_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailReason   string     `json:"fail_reason,omitempty"`
	Subtasks     []Subtask  `json:"subtasks"`
}

// SubtaskState tracks a single planned unit of work.
type SubtaskState string

const (
	SubtaskPlanned   SubtaskState = "planned"
	SubtaskRunning   SubtaskState = "running"
	SubtaskCompleted SubtaskState = "completed"
	SubtaskFailed    SubtaskState = "failed"
	SubtaskBlocked   SubtaskState = "blocked"
)

// Subtask is one node of the decomposition DAG. DependsOn holds indices of
// strictly earlier subtasks.
type Subtask struct {
	Index       int          `json:"index"`
	AgentKind   string       `json:"agent_kind"`
	Description string       `json:"description"`
	DependsOn   []int        `json:"depends_on,omitempty"`
	State       SubtaskState `json:"state"`
	Outputs     Metadata     `json:"outputs,omitempty"`
	Attempts    int          `json:"attempts"`
	ActionType  string       `json:"action_type,omitempty"`
}

// WorkflowState is the engine-owned workflow lifecycle.
type WorkflowState string

const (
	WorkflowCreated         WorkflowState = "created"
	WorkflowRunning         WorkflowState = "running"
	WorkflowWaitingApproval WorkflowState = "waiting_approval"
	WorkflowCompleted       WorkflowState = "completed"
	WorkflowFailed          WorkflowState = "failed"
	WorkflowCancelled       WorkflowState = "cancelled"
	WorkflowExpired         WorkflowState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowExpired:
		return true
	}
	return false
}

// WorkflowInstance is the durable record of one orchestration run. The
// workflow id equals the task id.
type WorkflowInstance struct {
	WorkflowID       string        `json:"workflow_id"`
	GraphName        string        `json:"graph_name"`
	CurrentNode      string        `json:"current_node"`
	State            WorkflowState `json:"state"`
	ParentWorkflowID string        `json:"parent_workflow_id,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at"`
	Refcount         int           `json:"refcount"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Checkpoint is an append-only snapshot taken at a node boundary. StepID is
// strictly increasing per workflow; the latest checkpoint is the resumption
// point.
type Checkpoint struct {
	WorkflowID   string          `json:"workflow_id"`
	StepID       int             `json:"step_id"`
	ParentStepID int             `json:"parent_step_id"`
	Node         string          `json:"node"`
	State        json.RawMessage `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ApprovalState tracks a human approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// Terminal reports whether the approval state is immutable.
func (s ApprovalState) Terminal() bool { return s != ApprovalPending }

// ApprovalRequest gates one high-risk workflow action on an external
// decision.
type ApprovalRequest struct {
	ApprovalID  string        `json:"approval_id"`
	WorkflowID  string        `json:"workflow_id"`
	StepID      int           `json:"step_id"`
	RiskLevel   string        `json:"risk_level"`
	ActionType  string        `json:"action_type"`
	Description string        `json:"description"`
	State       ApprovalState `json:"state"`
	DecidedBy   string        `json:"decided_by,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
}

// AgentStatus is the registry's view of a specialist endpoint.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentRecord describes a registered specialist agent.
type AgentRecord struct {
	AgentID        string      `json:"agent_id"`
	DisplayName    string      `json:"display_name"`
	BaseURL        string      `json:"base_url"`
	CapabilityTags []string    `json:"capability_tags"`
	Status         AgentStatus `json:"status"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
}

// HasCapability reports whether the agent declares the given tag.
func (a AgentRecord) HasCapability(tag string) bool {
	for _, t := range a.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Metadata is a free-form JSON object. It implements driver.Valuer and
// sql.Scanner so it can be stored in jsonb columns directly.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Metadata", value)
	}
	return json.Unmarshal(b, m)
}

// String returns the string value stored under key, or "" when absent.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
