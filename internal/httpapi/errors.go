package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/praxis-labs/conductor/internal/approval"
	"github.com/praxis-labs/conductor/internal/engine"
	"github.com/praxis-labs/conductor/internal/lifecycle"
	"github.com/praxis-labs/conductor/internal/orchestrator"
	"github.com/praxis-labs/conductor/internal/store"
)

// apiError is the JSON error envelope every endpoint returns on failure.
type apiError struct {
	ErrorKind         string      `json:"error_kind"`
	Message           string      `json:"message"`
	Context           interface{} `json:"context,omitempty"`
	SuggestedRecovery string      `json:"suggested_recovery,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, e apiError) {
	writeJSON(w, code, e)
}

// writeMappedError translates domain errors onto status codes and the
// error envelope.
func writeMappedError(w http.ResponseWriter, err error) {
	var (
		validation *orchestrator.ValidationError
		stateErr   *approval.StateError
		chainErr   *lifecycle.ChainError
		engineErr  *engine.EngineError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, apiError{
			ErrorKind: "validation",
			Message:   validation.Error(),
			Context:   map[string]string{"field": validation.Field},
		})
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, approval.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, apiError{
			ErrorKind: "not_found",
			Message:   err.Error(),
		})
	case errors.Is(err, orchestrator.ErrOverloaded):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, apiError{
			ErrorKind:         "overloaded",
			Message:           "planner queue is full",
			SuggestedRecovery: "retry after the Retry-After interval",
		})
	case errors.Is(err, orchestrator.ErrApprovalRejected):
		writeError(w, http.StatusForbidden, apiError{
			ErrorKind:         "approval_rejected",
			Message:           err.Error(),
			SuggestedRecovery: "re-submit the work under a new task_id",
		})
	case errors.Is(err, orchestrator.ErrApprovalExpired):
		writeError(w, http.StatusGone, apiError{
			ErrorKind:         "approval_expired",
			Message:           err.Error(),
			SuggestedRecovery: "re-submit the work under a new task_id",
		})
	case errors.Is(err, orchestrator.ErrApprovalPending):
		writeError(w, http.StatusConflict, apiError{
			ErrorKind:         "approval_pending",
			Message:           err.Error(),
			SuggestedRecovery: "decide the approval first",
		})
	case errors.Is(err, orchestrator.ErrInvalidState):
		writeError(w, http.StatusConflict, apiError{
			ErrorKind: "invalid_state",
			Message:   err.Error(),
		})
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, apiError{
			ErrorKind: "approval_state",
			Message:   stateErr.Error(),
		})
	case errors.As(err, &chainErr):
		writeError(w, http.StatusInternalServerError, apiError{
			ErrorKind: "chain",
			Message:   chainErr.Error(),
		})
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, apiError{
			ErrorKind:         "concurrency",
			Message:           err.Error(),
			SuggestedRecovery: "retry the request",
		})
	case errors.As(err, &engineErr):
		writeError(w, http.StatusInternalServerError, apiError{
			ErrorKind:         "engine",
			Message:           engineErr.Error(),
			SuggestedRecovery: "re-submit the work under a new task_id",
		})
	default:
		writeError(w, http.StatusInternalServerError, apiError{
			ErrorKind: "internal",
			Message:   err.Error(),
		})
	}
}
