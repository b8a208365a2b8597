// Package approval implements the human approval gate: pending requests
// created when a workflow hits a high-risk edge, decided over the API, or
// expired by a background sweeper.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/metrics"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/store"
)

// ErrNotFound indicates no approval exists for the id.
var ErrNotFound = errors.New("approval not found")

// StateError is an illegal transition, e.g. approving an already-decided
// request. Terminal states are immutable.
type StateError struct {
	ApprovalID string
	From       models.ApprovalState
	To         models.ApprovalState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("approval %s: cannot move %s to %s", e.ApprovalID, e.From, e.To)
}

// sweepInterval is how often pending requests are checked against their
// expiry.
const sweepInterval = 5 * time.Minute

// indexKey locates the approval created for one workflow step and action,
// making Request idempotent.
func indexKey(workflowID, actionType string, step int) string {
	return fmt.Sprintf("approval_index/%s/%s/%d", workflowID, actionType, step)
}

// Gate owns approval request state transitions.
type Gate struct {
	store  store.Store
	bus    *bus.Bus
	logger *zap.Logger
	expiry time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGate creates the approval gate. expiry is the pending window, 24h by
// default.
func NewGate(st store.Store, b *bus.Bus, logger *zap.Logger, expiry time.Duration) *Gate {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Gate{
		store:  st,
		bus:    b,
		logger: logger,
		expiry: expiry,
		stopCh: make(chan struct{}),
	}
}

// Request creates a pending approval and emits approval_required. Calling
// it again for the same (workflow_id, action_type, step) returns the
// existing request, whatever its state, instead of creating a duplicate;
// the graph's gate node relies on reading back an approved decision here.
func (g *Gate) Request(ctx context.Context, workflowID string, step int, riskLevel, actionType, description string) (models.ApprovalRequest, error) {
	idx := indexKey(workflowID, actionType, step)
	if rec, err := g.store.Get(ctx, idx); err == nil {
		existing, gerr := g.Get(ctx, string(rec.Value))
		if gerr == nil {
			return existing, nil
		}
		// Index points at a record that no longer exists; recreate below.
		if derr := g.store.Delete(ctx, idx); derr != nil {
			return models.ApprovalRequest{}, fmt.Errorf("drop stale approval index: %w", derr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.ApprovalRequest{}, err
	}

	now := time.Now()
	req := models.ApprovalRequest{
		ApprovalID:  uuid.New().String(),
		WorkflowID:  workflowID,
		StepID:      step,
		RiskLevel:   riskLevel,
		ActionType:  actionType,
		Description: description,
		State:       models.ApprovalPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.expiry),
	}

	// The index row is the uniqueness anchor: a concurrent Request for the
	// same step loses the CAS and reads the winner's id.
	if _, err := g.store.CompareAndSwap(ctx, idx, []byte(req.ApprovalID), 0); err != nil {
		if errors.Is(err, store.ErrConflict) {
			rec, gerr := g.store.Get(ctx, idx)
			if gerr != nil {
				return models.ApprovalRequest{}, gerr
			}
			return g.Get(ctx, string(rec.Value))
		}
		return models.ApprovalRequest{}, fmt.Errorf("create approval index: %w", err)
	}

	blob, err := json.Marshal(req)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	if err := g.store.Put(ctx, store.KeyApproval(req.ApprovalID), blob); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("persist approval: %w", err)
	}

	metrics.ApprovalsRequested.WithLabelValues(riskLevel).Inc()
	g.bus.Emit(bus.KindApprovalRequired, workflowID, map[string]interface{}{
		"approval_id": req.ApprovalID,
		"risk_level":  riskLevel,
		"action_type": actionType,
	}, "approval-gate", req.ApprovalID)

	g.logger.Info("Approval requested",
		zap.String("approval_id", req.ApprovalID),
		zap.String("workflow_id", workflowID),
		zap.String("action_type", actionType),
		zap.String("risk_level", riskLevel),
	)
	return req, nil
}

// Decide moves a pending request to approved or rejected. Any other
// transition fails with StateError.
func (g *Gate) Decide(ctx context.Context, approvalID string, verdict models.ApprovalState, actorID, reason string) (models.ApprovalRequest, error) {
	if verdict != models.ApprovalApproved && verdict != models.ApprovalRejected {
		return models.ApprovalRequest{}, fmt.Errorf("invalid verdict %q", verdict)
	}

	var decided models.ApprovalRequest
	err := store.UpdateWithRetry(ctx, g.store, store.KeyApproval(approvalID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
		}
		var req models.ApprovalRequest
		if err := json.Unmarshal(cur, &req); err != nil {
			return nil, fmt.Errorf("decode approval %s: %w", approvalID, err)
		}
		if req.State != models.ApprovalPending {
			return nil, &StateError{ApprovalID: approvalID, From: req.State, To: verdict}
		}
		now := time.Now()
		req.State = verdict
		req.DecidedBy = actorID
		req.Reason = reason
		req.DecidedAt = &now
		decided = req
		return json.Marshal(req)
	})
	if err != nil {
		return models.ApprovalRequest{}, err
	}

	metrics.ApprovalsDecided.WithLabelValues(string(verdict)).Inc()
	kind := bus.KindApprovalApproved
	if verdict == models.ApprovalRejected {
		kind = bus.KindApprovalRejected
	}
	g.bus.Emit(kind, decided.WorkflowID, map[string]interface{}{
		"approval_id": approvalID,
		"decided_by":  actorID,
		"reason":      reason,
	}, "approval-gate", approvalID)

	g.logger.Info("Approval decided",
		zap.String("approval_id", approvalID),
		zap.String("verdict", string(verdict)),
		zap.String("decided_by", actorID),
	)
	return decided, nil
}

// Get returns the approval record.
func (g *Gate) Get(ctx context.Context, approvalID string) (models.ApprovalRequest, error) {
	rec, err := g.store.Get(ctx, store.KeyApproval(approvalID))
	if errors.Is(err, store.ErrNotFound) {
		return models.ApprovalRequest{}, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	} else if err != nil {
		return models.ApprovalRequest{}, err
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal(rec.Value, &req); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("decode approval %s: %w", approvalID, err)
	}
	return req, nil
}

// ForWorkflow returns the newest non-terminal approval for a workflow, or
// ErrNotFound.
func (g *Gate) ForWorkflow(ctx context.Context, workflowID string) (models.ApprovalRequest, error) {
	pending, err := g.ListPending(ctx, workflowID)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	if len(pending) == 0 {
		return models.ApprovalRequest{}, ErrNotFound
	}
	return pending[len(pending)-1], nil
}

// ListPending returns pending approvals, optionally filtered by workflow,
// ordered by creation time.
func (g *Gate) ListPending(ctx context.Context, workflowID string) ([]models.ApprovalRequest, error) {
	recs, err := g.store.ScanPrefix(ctx, "approvals/")
	if err != nil {
		return nil, err
	}
	var out []models.ApprovalRequest
	for _, rec := range recs {
		var req models.ApprovalRequest
		if err := json.Unmarshal(rec.Value, &req); err != nil {
			g.logger.Warn("Skipping corrupt approval row", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		if req.State != models.ApprovalPending {
			continue
		}
		if workflowID != "" && req.WorkflowID != workflowID {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Start runs the expiry sweeper until Stop.
func (g *Gate) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				if n, err := g.SweepExpired(context.Background()); err != nil {
					g.logger.Error("Approval expiry sweep failed", zap.Error(err))
				} else if n > 0 {
					g.logger.Info("Expired stale approvals", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop terminates the sweeper.
func (g *Gate) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

// SweepExpired moves pending requests strictly past expires_at to expired
// and emits approval_expired for each.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	recs, err := g.store.ScanPrefix(ctx, "approvals/")
	if err != nil {
		return 0, err
	}

	now := time.Now()
	expired := 0
	for _, rec := range recs {
		var req models.ApprovalRequest
		if err := json.Unmarshal(rec.Value, &req); err != nil {
			continue
		}
		if req.State != models.ApprovalPending || !req.ExpiresAt.Before(now) {
			continue
		}

		err := store.UpdateWithRetry(ctx, g.store, rec.Key, func(cur []byte) ([]byte, error) {
			var fresh models.ApprovalRequest
			if err := json.Unmarshal(cur, &fresh); err != nil {
				return nil, err
			}
			if fresh.State != models.ApprovalPending {
				// Decided while we were sweeping.
				return cur, nil
			}
			decidedAt := time.Now()
			fresh.State = models.ApprovalExpired
			fresh.DecidedAt = &decidedAt
			req = fresh
			return json.Marshal(fresh)
		})
		if err != nil {
			g.logger.Warn("Failed to expire approval",
				zap.String("approval_id", req.ApprovalID), zap.Error(err))
			continue
		}
		if req.State != models.ApprovalExpired {
			continue
		}

		expired++
		metrics.ApprovalsExpired.Inc()
		g.bus.Emit(bus.KindApprovalExpired, req.WorkflowID, map[string]interface{}{
			"approval_id": req.ApprovalID,
		}, "approval-gate", req.ApprovalID)
	}
	return expired, nil
}
