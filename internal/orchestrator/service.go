// Package orchestrator ties submission, planning, approval synthesis and
// engine execution together. The HTTP API and the chat gateway both drive
// workflows through this service; it owns the task rows and keeps them in
// sync with engine-emitted events.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/approval"
	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/engine"
	"github.com/praxis-labs/conductor/internal/metrics"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/planner"
	"github.com/praxis-labs/conductor/internal/store"
	"github.com/praxis-labs/conductor/internal/workflows"
)

var (
	// ErrOverloaded means the planner queue is at its high-water mark.
	ErrOverloaded = errors.New("planner queue full")
	// ErrNotFound means no task exists for the id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidState means the requested transition is not legal from the
	// task's current status.
	ErrInvalidState = errors.New("invalid task state")
	// ErrApprovalRejected blocks resume of a rejected task.
	ErrApprovalRejected = errors.New("approval was rejected")
	// ErrApprovalExpired blocks resume of an expired approval.
	ErrApprovalExpired = errors.New("approval has expired")
	// ErrApprovalPending blocks resume while the decision is outstanding.
	ErrApprovalPending = errors.New("approval is still pending")
)

// ValidationError reports a malformed submission field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// SubmitRequest is the /orchestrate body.
type SubmitRequest struct {
	TaskID      string          `json:"task_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    models.Priority `json:"priority"`
	Requester   string          `json:"requester,omitempty"`
	ParentID    string          `json:"parent_task_id,omitempty"`
	Metadata    models.Metadata `json:"metadata,omitempty"`
}

// Service orchestrates task submission and execution.
type Service struct {
	store   store.Store
	engine  *engine.Engine
	planner planner.Planner
	queue   *planner.Queue
	gate    *approval.Gate
	bus     *bus.Bus
	logger  *zap.Logger
}

// New creates the orchestrator service and wires task-row sync to engine
// events and approval outcomes.
func New(st store.Store, eng *engine.Engine, pl planner.Planner, queue *planner.Queue, gate *approval.Gate, b *bus.Bus, logger *zap.Logger) *Service {
	s := &Service{
		store:   st,
		engine:  eng,
		planner: pl,
		queue:   queue,
		gate:    gate,
		bus:     b,
		logger:  logger,
	}
	sync := func(evt bus.Event) {
		if evt.WorkflowID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.syncTask(ctx, evt.WorkflowID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("Task sync failed",
				zap.String("task_id", evt.WorkflowID), zap.Error(err))
		}
	}
	for _, kind := range []bus.Kind{
		bus.KindNodeCompleted,
		bus.KindWorkflowCompleted,
		bus.KindWorkflowFailed,
		bus.KindWorkflowCancelled,
	} {
		b.Subscribe(kind, sync)
	}

	// Rejections and expiries fold into the task row as soon as the gate
	// emits them; a parked task must not need a resume call to fail.
	decided := func(evt bus.Event) {
		if evt.WorkflowID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		task, err := s.GetTask(ctx, evt.WorkflowID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("Task lookup failed for approval outcome",
					zap.String("task_id", evt.WorkflowID), zap.Error(err))
			}
			return
		}
		approvalID, _ := evt.Payload["approval_id"].(string)
		if task.Status != models.TaskStatusApprovalPending || task.ApprovalID != approvalID {
			return
		}
		if evt.Kind == bus.KindApprovalExpired {
			s.recordApprovalOutcome(ctx, evt.WorkflowID, models.TaskStatusExpired, "approval expired")
			return
		}
		reason, _ := evt.Payload["reason"].(string)
		s.recordApprovalOutcome(ctx, evt.WorkflowID, models.TaskStatusFailed, "approval rejected: "+reason)
	}
	b.Subscribe(bus.KindApprovalRejected, decided)
	b.Subscribe(bus.KindApprovalExpired, decided)
	return s
}

// Submit validates and plans a task. Re-submitting an existing task id
// returns the stored plan unchanged; a second workflow is never created.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Task, bool, error) {
	if req.TaskID == "" {
		return models.Task{}, false, &ValidationError{Field: "task_id", Msg: "required"}
	}
	if req.Title == "" {
		return models.Task{}, false, &ValidationError{Field: "title", Msg: "required"}
	}
	if req.Description == "" {
		return models.Task{}, false, &ValidationError{Field: "description", Msg: "required"}
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return models.Task{}, false, &ValidationError{Field: "priority", Msg: fmt.Sprintf("unknown value %q", req.Priority)}
	}

	if existing, err := s.GetTask(ctx, req.TaskID); err == nil {
		metrics.TasksDuplicate.Inc()
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return models.Task{}, false, err
	}

	if !s.queue.TryAcquire() {
		return models.Task{}, false, ErrOverloaded
	}
	defer s.queue.Release()

	task := models.Task{
		TaskID:       req.TaskID,
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		Requester:    req.Requester,
		ParentTaskID: req.ParentID,
		Metadata:     req.Metadata,
		Status:       models.TaskStatusPlanned,
		CreatedAt:    time.Now(),
	}

	subtasks, err := s.planner.Plan(ctx, task)
	if err != nil {
		return models.Task{}, false, fmt.Errorf("plan task %s: %w", task.TaskID, err)
	}
	task.Subtasks = subtasks

	// High-risk plans are gated before anything runs; the graph's gate node
	// later finds this same request through its idempotency index.
	for _, st := range subtasks {
		risk, risky := planner.HighRisk(st.ActionType)
		if !risky {
			continue
		}
		req, err := s.gate.Request(ctx, task.TaskID, st.Index, risk, st.ActionType, st.Description)
		if err != nil {
			return models.Task{}, false, fmt.Errorf("request approval for %s: %w", task.TaskID, err)
		}
		task.Status = models.TaskStatusApprovalPending
		task.ApprovalID = req.ApprovalID
		break
	}

	blob, err := json.Marshal(task)
	if err != nil {
		return models.Task{}, false, err
	}
	if _, err := s.store.CompareAndSwap(ctx, store.KeyTask(task.TaskID), blob, 0); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with an identical submission.
			metrics.TasksDuplicate.Inc()
			existing, gerr := s.GetTask(ctx, task.TaskID)
			if gerr != nil {
				return models.Task{}, false, gerr
			}
			return existing, false, nil
		}
		return models.Task{}, false, fmt.Errorf("persist task %s: %w", task.TaskID, err)
	}

	metrics.TasksSubmitted.Inc()
	s.logger.Info("Task submitted",
		zap.String("task_id", task.TaskID),
		zap.String("status", string(task.Status)),
		zap.Int("subtasks", len(task.Subtasks)),
	)
	return task, true, nil
}

// Execute starts the workflow for a planned task. A second Execute while
// the task is running is a no-op rejected with ErrInvalidState.
func (s *Service) Execute(ctx context.Context, taskID string) (models.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	switch task.Status {
	case models.TaskStatusPlanned:
	case models.TaskStatusRunning:
		return task, fmt.Errorf("task %s is running: %w", taskID, ErrInvalidState)
	default:
		return task, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrInvalidState)
	}

	if err := s.markRunning(ctx, taskID); err != nil {
		return models.Task{}, err
	}
	s.launch(taskID, task, false)

	task.Status = models.TaskStatusRunning
	return task, nil
}

// Resume continues a task parked on an approval decision.
func (s *Service) Resume(ctx context.Context, taskID string) (models.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status != models.TaskStatusApprovalPending {
		// The gate's rejection or expiry event may have landed before the
		// client called resume; keep the error they would have seen.
		if task.ApprovalID != "" {
			if req, gerr := s.gate.Get(ctx, task.ApprovalID); gerr == nil {
				switch {
				case task.Status == models.TaskStatusFailed && req.State == models.ApprovalRejected:
					return task, fmt.Errorf("task %s: %w", taskID, ErrApprovalRejected)
				case task.Status == models.TaskStatusExpired && req.State == models.ApprovalExpired:
					return task, fmt.Errorf("task %s: %w", taskID, ErrApprovalExpired)
				}
			}
		}
		return task, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrInvalidState)
	}

	req, err := s.gate.Get(ctx, task.ApprovalID)
	if err != nil {
		return models.Task{}, err
	}
	switch req.State {
	case models.ApprovalApproved:
	case models.ApprovalRejected:
		s.recordApprovalOutcome(ctx, taskID, models.TaskStatusFailed, "approval rejected: "+req.Reason)
		return task, fmt.Errorf("task %s: %w", taskID, ErrApprovalRejected)
	case models.ApprovalExpired:
		s.recordApprovalOutcome(ctx, taskID, models.TaskStatusExpired, "approval expired")
		return task, fmt.Errorf("task %s: %w", taskID, ErrApprovalExpired)
	default:
		return task, fmt.Errorf("task %s: %w", taskID, ErrApprovalPending)
	}

	if err := s.markRunning(ctx, taskID); err != nil {
		return models.Task{}, err
	}

	// A workflow instance only exists when the engine already ran and
	// paused mid-graph; otherwise this is the first launch and the gate
	// node will pass through the approved request.
	_, ierr := s.engine.Instance(ctx, taskID)
	s.launch(taskID, task, ierr == nil)

	task.Status = models.TaskStatusRunning
	return task, nil
}

// launch runs the engine in the background; completion lands in the task
// row through the bus subscription.
func (s *Service) launch(taskID string, task models.Task, resume bool) {
	go func() {
		ctx := context.Background()
		var (
			res *engine.Result
			err error
		)
		if resume {
			res, err = s.engine.Resume(ctx, taskID, engine.InvokeConfig{ParentWorkflowID: task.ParentTaskID})
		} else {
			state, serr := workflows.InitialState(task)
			if serr != nil {
				s.logger.Error("Failed to build initial state",
					zap.String("task_id", taskID), zap.Error(serr))
				return
			}
			res, err = s.engine.Invoke(ctx, taskID, state, engine.InvokeConfig{ParentWorkflowID: task.ParentTaskID})
		}
		if err != nil {
			s.logger.Error("Workflow execution failed",
				zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if res.Interrupt != nil {
			s.recordInterrupt(taskID, res.Interrupt)
		}
	}()
}

// StartChat submits and immediately launches a task derived from a chat
// message, returning the initial state for a streaming invocation. The
// caller drives the engine itself so cancellation follows the request
// context.
func (s *Service) StartChat(ctx context.Context, req SubmitRequest) (models.Task, engine.State, error) {
	task, created, err := s.Submit(ctx, req)
	if err != nil {
		return models.Task{}, nil, err
	}
	if !created && task.Status != models.TaskStatusPlanned {
		return task, nil, fmt.Errorf("task %s is %s: %w", task.TaskID, task.Status, ErrInvalidState)
	}
	if task.Status == models.TaskStatusApprovalPending {
		return task, nil, nil
	}
	if err := s.markRunning(ctx, task.TaskID); err != nil {
		return models.Task{}, nil, err
	}
	state, err := workflows.InitialState(task)
	if err != nil {
		return models.Task{}, nil, err
	}
	return task, state, nil
}

// RecordInterrupt is used by the gateway when a streamed run pauses.
func (s *Service) RecordInterrupt(taskID string, intr *engine.Interrupt) {
	s.recordInterrupt(taskID, intr)
}

func (s *Service) recordInterrupt(taskID string, intr *engine.Interrupt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.updateTask(ctx, taskID, func(task *models.Task) {
		task.Status = models.TaskStatusApprovalPending
		task.ApprovalID = intr.ApprovalID
	})
	if err != nil {
		s.logger.Warn("Failed to record approval pause",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Service) recordApprovalOutcome(ctx context.Context, taskID string, status models.TaskStatus, reason string) {
	err := s.updateTask(ctx, taskID, func(task *models.Task) {
		now := time.Now()
		task.Status = status
		task.FailReason = reason
		task.CompletedAt = &now
	})
	if err != nil {
		s.logger.Warn("Failed to record approval outcome",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Service) markRunning(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID, func(task *models.Task) {
		now := time.Now()
		task.Status = models.TaskStatusRunning
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
		task.FailReason = ""
	})
}

// GetTask returns the stored task row.
func (s *Service) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	rec, err := s.store.Get(ctx, store.KeyTask(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	} else if err != nil {
		return models.Task{}, err
	}
	var task models.Task
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		return models.Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return task, nil
}

func (s *Service) updateTask(ctx context.Context, taskID string, mutate func(*models.Task)) error {
	return store.UpdateWithRetry(ctx, s.store, store.KeyTask(taskID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		var task models.Task
		if err := json.Unmarshal(cur, &task); err != nil {
			return nil, err
		}
		mutate(&task)
		return json.Marshal(task)
	})
}

// syncTask folds the newest checkpoint state into the task row: subtask
// states while running, terminal status and timestamps at the end.
func (s *Service) syncTask(ctx context.Context, taskID string) error {
	state, err := s.engine.LatestState(ctx, taskID)
	if err != nil {
		if errors.Is(err, engine.ErrNoCheckpoint) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	fromState, err := workflows.TaskFromState(state)
	if err != nil {
		return nil
	}
	inst, err := s.engine.Instance(ctx, taskID)
	if err != nil {
		return err
	}

	return s.updateTask(ctx, taskID, func(task *models.Task) {
		task.Subtasks = fromState.Subtasks
		switch inst.State {
		case models.WorkflowCompleted:
			status := models.TaskStatusCompleted
			if fs, ok := workflows.FinalStatus(state); ok {
				status = fs
			}
			now := time.Now()
			task.Status = status
			task.CompletedAt = &now
			if status == models.TaskStatusFailed && task.FailReason == "" {
				if reason, ok := state[engine.KeyLastError].(string); ok {
					task.FailReason = reason
				} else {
					task.FailReason = "one or more subtasks failed"
				}
			}
		case models.WorkflowFailed:
			now := time.Now()
			task.Status = models.TaskStatusFailed
			task.CompletedAt = &now
			if reason, ok := state[engine.KeyLastError].(string); ok {
				task.FailReason = reason
			}
		case models.WorkflowCancelled:
			now := time.Now()
			task.Status = models.TaskStatusCancelled
			task.CompletedAt = &now
		case models.WorkflowWaitingApproval:
			task.Status = models.TaskStatusApprovalPending
		}
	})
}
