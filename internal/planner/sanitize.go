package planner

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/metrics"
	"github.com/praxis-labs/conductor/internal/models"
)

// RawPlan is planner output before schema checking. Dependency entries are
// kept raw because planners sometimes emit objects like {"task_id": 1}
// where a plain index belongs.
type RawPlan struct {
	Subtasks []RawSubtask `json:"subtasks"`
}

// RawSubtask mirrors models.Subtask with unvalidated dependencies.
type RawSubtask struct {
	AgentKind   string            `json:"agent_kind"`
	Description string            `json:"description"`
	DependsOn   []json.RawMessage `json:"depends_on,omitempty"`
	ActionType  string            `json:"action_type,omitempty"`
}

// Sanitize converts a raw plan into validated subtasks. Malformed
// dependency entries and forward or self references are dropped with a
// logged warning; decomposition itself never fails on them. Subtasks with
// an empty agent kind are dropped entirely.
func Sanitize(raw RawPlan, taskID string, logger *zap.Logger) []models.Subtask {
	out := make([]models.Subtask, 0, len(raw.Subtasks))
	for _, rs := range raw.Subtasks {
		if rs.AgentKind == "" {
			warn(logger, taskID, "subtask missing agent_kind", nil)
			continue
		}

		index := len(out)
		st := models.Subtask{
			Index:       index,
			AgentKind:   rs.AgentKind,
			Description: rs.Description,
			State:       models.SubtaskPlanned,
			ActionType:  rs.ActionType,
		}
		for _, dep := range rs.DependsOn {
			var idx int
			if err := json.Unmarshal(dep, &idx); err != nil {
				warn(logger, taskID, "dependency is not an integer", dep)
				continue
			}
			if idx < 0 || idx >= index {
				warn(logger, taskID, "dependency index out of range", dep)
				continue
			}
			st.DependsOn = append(st.DependsOn, idx)
		}
		out = append(out, st)
	}
	return out
}

func warn(logger *zap.Logger, taskID, reason string, field json.RawMessage) {
	metrics.PlannerWarnings.Inc()
	fields := []zap.Field{
		zap.String("task_id", taskID),
		zap.String("reason", reason),
	}
	if field != nil {
		fields = append(fields, zap.ByteString("field", field))
	}
	logger.Warn("Dropping malformed planner output", fields...)
}
