// Package planner decomposes a task into a DAG of specialist subtasks. The
// default planner is deterministic and keyword driven; an LLM-backed
// planner can be plugged in behind the same interface. All planner output
// passes through the same schema sanitiser, so malformed dependency fields
// degrade to warnings instead of failing decomposition.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/tracing"
)

// Planner produces the subtask DAG for a task.
type Planner interface {
	Plan(ctx context.Context, task models.Task) ([]models.Subtask, error)
}

// highRiskActions are action types that require human approval before
// execution.
var highRiskActions = map[string]string{
	"deploy_production": "critical",
	"delete_data":       "critical",
	"rotate_secrets":    "high",
	"modify_infra":      "high",
}

// HighRisk reports whether the action type needs an approval gate, and the
// risk level recorded on the request.
func HighRisk(actionType string) (string, bool) {
	level, ok := highRiskActions[actionType]
	return level, ok
}

// KeywordPlanner is the deterministic default. It always plans a
// feature-dev step followed by a code-review step, and appends extra
// specialist steps when the request text calls for them.
type KeywordPlanner struct {
	logger *zap.Logger
}

// NewKeywordPlanner creates the default planner.
func NewKeywordPlanner(logger *zap.Logger) *KeywordPlanner {
	return &KeywordPlanner{logger: logger}
}

// Plan emits the subtask DAG. Dependencies always reference strictly
// earlier indices, so the output is a DAG by construction.
func (p *KeywordPlanner) Plan(_ context.Context, task models.Task) ([]models.Subtask, error) {
	text := strings.ToLower(task.Title + " " + task.Description)
	actionType := task.Metadata.String("action_type")

	raw := RawPlan{Subtasks: []RawSubtask{
		{AgentKind: "feature-dev", Description: task.Title},
		{AgentKind: "code-review", Description: "Review changes for: " + task.Title, DependsOn: []json.RawMessage{jsonInt(0)}},
	}}

	if strings.Contains(text, "test") || strings.Contains(text, "regression") {
		raw.Subtasks = append(raw.Subtasks, RawSubtask{
			AgentKind:   "test-engineer",
			Description: "Write tests for: " + task.Title,
			DependsOn:   []json.RawMessage{jsonInt(0)},
		})
	}
	if strings.Contains(text, "document") || strings.Contains(text, "readme") {
		raw.Subtasks = append(raw.Subtasks, RawSubtask{
			AgentKind:   "doc-writer",
			Description: "Document: " + task.Title,
			DependsOn:   []json.RawMessage{jsonInt(0)},
		})
	}
	if _, risky := HighRisk(actionType); risky || strings.Contains(text, "deploy") {
		last := len(raw.Subtasks) - 1
		raw.Subtasks = append(raw.Subtasks, RawSubtask{
			AgentKind:   "release-manager",
			Description: "Roll out: " + task.Title,
			DependsOn:   []json.RawMessage{jsonInt(last)},
			ActionType:  actionType,
		})
	} else if actionType != "" {
		raw.Subtasks[0].ActionType = actionType
	}

	return Sanitize(raw, task.TaskID, p.logger), nil
}

func jsonInt(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", i))
}

// LLMPlanner posts the task to an external planning endpoint and sanitises
// whatever comes back. Transport errors fall through to the fallback
// planner when one is set.
type LLMPlanner struct {
	endpoint string
	client   *http.Client
	fallback Planner
	logger   *zap.Logger
}

// NewLLMPlanner creates a planner backed by an HTTP planning service.
func NewLLMPlanner(endpoint string, fallback Planner, logger *zap.Logger) *LLMPlanner {
	return &LLMPlanner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		fallback: fallback,
		logger:   logger,
	}
}

func (p *LLMPlanner) Plan(ctx context.Context, task models.Task) ([]models.Subtask, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.client.Do(req)
	if err != nil {
		return p.fallbackPlan(ctx, task, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.fallbackPlan(ctx, task, fmt.Errorf("planner endpoint returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return p.fallbackPlan(ctx, task, err)
	}
	var raw RawPlan
	if err := json.Unmarshal(data, &raw); err != nil {
		return p.fallbackPlan(ctx, task, fmt.Errorf("decode plan: %w", err))
	}
	return Sanitize(raw, task.TaskID, p.logger), nil
}

func (p *LLMPlanner) fallbackPlan(ctx context.Context, task models.Task, cause error) ([]models.Subtask, error) {
	if p.fallback == nil {
		return nil, fmt.Errorf("plan task %s: %w", task.TaskID, cause)
	}
	p.logger.Warn("Planner endpoint unavailable; using fallback",
		zap.String("task_id", task.TaskID), zap.Error(cause))
	return p.fallback.Plan(ctx, task)
}

// Queue bounds concurrent decomposition work. Admission past the
// high-water mark is refused so the API can shed load with 503.
type Queue struct {
	slots chan struct{}
}

// NewQueue creates a queue admitting size concurrent planning calls.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{slots: make(chan struct{}, size)}
}

// TryAcquire reserves a slot without blocking.
func (q *Queue) TryAcquire() bool {
	select {
	case q.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot taken by TryAcquire.
func (q *Queue) Release() { <-q.slots }
