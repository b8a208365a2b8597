// Package httpapi exposes the task, approval and agent surface over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/praxis-labs/conductor/internal/agents"
	"github.com/praxis-labs/conductor/internal/approval"
	"github.com/praxis-labs/conductor/internal/auth"
	"github.com/praxis-labs/conductor/internal/gateway"
	"github.com/praxis-labs/conductor/internal/health"
	"github.com/praxis-labs/conductor/internal/lifecycle"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/orchestrator"
)

// onTimeTargets is the per-priority completion target used by the status
// snapshot's on_time metric.
var onTimeTargets = map[models.Priority]time.Duration{
	models.PriorityCritical: time.Hour,
	models.PriorityHigh:     4 * time.Hour,
	models.PriorityMedium:   24 * time.Hour,
	models.PriorityLow:      72 * time.Hour,
}

// Server wires the HTTP routes.
type Server struct {
	svc       *orchestrator.Service
	gate      *approval.Gate
	registry  *agents.Registry
	lifecycle *lifecycle.Manager
	gateway   *gateway.Gateway
	health    *health.Manager
	auth      *auth.Middleware
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewServer creates the API server.
func NewServer(
	svc *orchestrator.Service,
	gate *approval.Gate,
	registry *agents.Registry,
	lc *lifecycle.Manager,
	gw *gateway.Gateway,
	hm *health.Manager,
	authMW *auth.Middleware,
	limiter *rate.Limiter,
	logger *zap.Logger,
) *Server {
	return &Server{
		svc:       svc,
		gate:      gate,
		registry:  registry,
		lifecycle: lc,
		gateway:   gw,
		health:    hm,
		auth:      authMW,
		limiter:   limiter,
		logger:    logger,
	}
}

// Routes builds the mux. Mutating routes carry auth; the submission
// routes additionally carry the rate limiter.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	guarded := func(pattern string, h http.HandlerFunc) http.Handler {
		return withMetrics(pattern, s.auth.Wrap(h))
	}
	limited := func(pattern string, h http.HandlerFunc) http.Handler {
		return withMetrics(pattern, withRateLimit(s.limiter, s.auth.Wrap(h)))
	}
	open := func(pattern string, h http.HandlerFunc) http.Handler {
		return withMetrics(pattern, h)
	}

	mux.Handle("POST /orchestrate", limited("/orchestrate", s.handleOrchestrate))
	mux.Handle("POST /execute/{task_id}", guarded("/execute", s.handleExecute))
	mux.Handle("POST /resume/{task_id}", guarded("/resume", s.handleResume))
	mux.Handle("GET /tasks/{task_id}", open("/tasks", s.handleGetTask))
	mux.Handle("GET /tasks/{task_id}/chain", open("/tasks/chain", s.handleGetChain))
	mux.Handle("GET /agents", open("/agents", s.handleListAgents))
	mux.Handle("POST /agents/heartbeat", guarded("/agents/heartbeat", s.handleHeartbeat))
	mux.Handle("POST /approvals/{id}/approve", guarded("/approvals/approve", s.decideHandler(models.ApprovalApproved)))
	mux.Handle("POST /approvals/{id}/reject", guarded("/approvals/reject", s.decideHandler(models.ApprovalRejected)))
	mux.Handle("GET /approvals/pending", open("/approvals/pending", s.handlePendingApprovals))

	mux.Handle("POST /chat/stream", limited("/chat/stream", s.gateway.HandleChatStream))
	mux.Handle("GET /stream/sse", open("/stream/sse", s.gateway.HandleSSE))
	mux.Handle("GET /stream/ws", open("/stream/ws", s.gateway.HandleWS))

	mux.Handle("/health", s.health.Handler())
	mux.Handle("/health/", s.health.Handler())
	return mux
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apiError{
			ErrorKind: "validation",
			Message:   "invalid JSON body",
		})
		return
	}
	if req.Requester == "" {
		req.Requester = auth.Subject(r.Context())
	}

	task, _, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	code := http.StatusOK
	if task.Status == models.TaskStatusApprovalPending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, s.taskResponse(task))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Execute(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.taskResponse(task))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Resume(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.taskResponse(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.taskResponse(task))
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.lifecycle.GetChain(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain": chain})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	status := models.AgentStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.registry.List(capability, status),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var agent models.AgentRecord
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, apiError{
			ErrorKind: "validation",
			Message:   "invalid JSON body",
		})
		return
	}
	if err := s.registry.Heartbeat(r.Context(), agent); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type decideRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor_id,omitempty"`
}

func (s *Server) decideHandler(verdict models.ApprovalState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decideRequest
		if r.Body != nil {
			// An empty body is fine; reason and actor are optional.
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		actor := body.Actor
		if actor == "" {
			actor = auth.Subject(r.Context())
		}
		req, err := s.gate.Decide(r.Context(), r.PathValue("id"), verdict, actor, body.Reason)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.ListPending(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending})
}

// taskResponse is the task snapshot plus derived timing metrics.
type taskResponse struct {
	models.Task
	Metrics taskMetrics `json:"metrics"`
}

type taskMetrics struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	OnTime         bool    `json:"on_time"`
}

func (s *Server) taskResponse(task models.Task) taskResponse {
	var elapsed time.Duration
	switch {
	case task.StartedAt == nil:
	case task.CompletedAt != nil:
		elapsed = task.CompletedAt.Sub(*task.StartedAt)
	default:
		elapsed = time.Since(*task.StartedAt)
	}
	target, ok := onTimeTargets[task.Priority]
	return taskResponse{
		Task: task,
		Metrics: taskMetrics{
			ElapsedSeconds: elapsed.Seconds(),
			OnTime:         !ok || elapsed <= target,
		},
	}
}
