// Package lifecycle owns workflow TTL bookkeeping, the expiry sweeper,
// parent-chain traversal and resource deduplication for context windows.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/circuitbreaker"
	"github.com/praxis-labs/conductor/internal/metrics"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/store"
	"github.com/praxis-labs/conductor/internal/streaming"
)

// ChainError is a broken parent chain: a cycle or a depth past the limit.
type ChainError struct {
	WorkflowID string
	Reason     string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("workflow chain at %s: %s", e.WorkflowID, e.Reason)
}

const (
	// ttlIndexKey is the Redis sorted set mapping workflow id to expiry
	// time, used by the sweeper to avoid full table scans.
	ttlIndexKey = "workflow_ttl"
	// sweepInterval is how often the expiry sweep runs.
	sweepInterval = time.Hour
	// approvalGrace extends the TTL for workflows parked in
	// waiting_approval before the sweeper may expire them.
	approvalGrace = time.Hour
)

// Manager tracks workflow TTLs and walks parent chains.
type Manager struct {
	store    store.Store
	bus      *bus.Bus
	redis    *circuitbreaker.RedisWrapper
	streams  *streaming.Manager
	logger   *zap.Logger
	ttl      time.Duration
	maxDepth int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a lifecycle manager. redisClient may be nil; the
// sweeper then falls back to scanning the store.
func NewManager(st store.Store, b *bus.Bus, redisClient *circuitbreaker.RedisWrapper, streams *streaming.Manager, logger *zap.Logger, ttl time.Duration, maxDepth int) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxDepth <= 0 {
		maxDepth = 20
	}
	return &Manager{
		store:    st,
		bus:      b,
		redis:    redisClient,
		streams:  streams,
		logger:   logger,
		ttl:      ttl,
		maxDepth: maxDepth,
	}
}

// Wire subscribes TTL refresh to every bus event kind that carries a
// workflow id.
func (m *Manager) Wire() {
	refresh := func(evt bus.Event) {
		if evt.WorkflowID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.RefreshTTL(ctx, evt.WorkflowID); err != nil {
			m.logger.Warn("TTL refresh failed",
				zap.String("workflow_id", evt.WorkflowID), zap.Error(err))
		}
	}
	for _, kind := range []bus.Kind{
		bus.KindWorkflowStarted,
		bus.KindNodeCompleted,
		bus.KindWorkflowCompleted,
		bus.KindApprovalRequired,
		bus.KindApprovalApproved,
		bus.KindApprovalRejected,
	} {
		m.bus.Subscribe(kind, refresh)
	}
}

// RefreshTTL pushes the workflow's expires_at forward to now + ttl and
// updates the sweeper index.
func (m *Manager) RefreshTTL(ctx context.Context, workflowID string) error {
	expiresAt := time.Now().Add(m.ttl)
	err := store.UpdateWithRetry(ctx, m.store, store.KeyWorkflow(workflowID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, store.ErrNotFound)
		}
		var inst models.WorkflowInstance
		if err := json.Unmarshal(cur, &inst); err != nil {
			return nil, err
		}
		inst.ExpiresAt = expiresAt
		inst.UpdatedAt = time.Now()
		return json.Marshal(inst)
	})
	if err != nil {
		return err
	}

	if m.redis != nil {
		if err := m.redis.ZAdd(ctx, ttlIndexKey, redis.Z{
			Score:  float64(expiresAt.Unix()),
			Member: workflowID,
		}).Err(); err != nil {
			m.logger.Warn("TTL index update failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
	metrics.TTLRefreshes.Inc()
	return nil
}

// Start runs the hourly expiry sweep until Stop.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n, err := m.Sweep(context.Background()); err != nil {
					m.logger.Error("TTL sweep failed", zap.Error(err))
				} else if n > 0 {
					m.logger.Info("Expired workflows", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop terminates the sweeper.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

// Sweep expires workflows whose expires_at is strictly in the past and
// whose state is terminal, or waiting_approval past the grace window.
// Expiry deletes the workflow's checkpoints and stream history.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.candidates(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	swept := 0
	for _, id := range ids {
		rec, err := m.store.Get(ctx, store.KeyWorkflow(id))
		if errors.Is(err, store.ErrNotFound) {
			m.dropIndex(ctx, id)
			continue
		} else if err != nil {
			return swept, err
		}
		var inst models.WorkflowInstance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			m.logger.Warn("Skipping corrupt workflow row", zap.String("key", rec.Key), zap.Error(err))
			continue
		}

		// expires_at == now is not yet expired; only strictly past.
		if !inst.ExpiresAt.Before(now) {
			continue
		}
		switch {
		case inst.State.Terminal():
		case inst.State == models.WorkflowWaitingApproval && inst.ExpiresAt.Add(approvalGrace).Before(now):
		default:
			continue
		}

		if err := m.expire(ctx, inst, rec.Version); err != nil {
			m.logger.Warn("Failed to expire workflow",
				zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

// candidates returns workflow ids whose indexed expiry is in the past,
// falling back to a full scan when Redis is unavailable.
func (m *Manager) candidates(ctx context.Context) ([]string, error) {
	if m.redis != nil {
		max := fmt.Sprintf("(%d", time.Now().Unix()+1)
		ids, err := m.redis.ZRangeByScore(ctx, ttlIndexKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: max,
		}).Result()
		if err == nil {
			return ids, nil
		}
		m.logger.Warn("TTL index scan failed; falling back to store scan", zap.Error(err))
	}

	recs, err := m.store.ScanPrefix(ctx, "workflows/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, strings.TrimPrefix(rec.Key, "workflows/"))
	}
	return ids, nil
}

func (m *Manager) expire(ctx context.Context, inst models.WorkflowInstance, version int64) error {
	cps, err := m.store.ScanPrefix(ctx, store.KeyCheckpointPrefix(inst.WorkflowID))
	if err != nil {
		return err
	}
	for _, cp := range cps {
		if err := m.store.Delete(ctx, cp.Key); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", cp.Key, err)
		}
	}

	inst.State = models.WorkflowExpired
	inst.UpdatedAt = time.Now()
	blob, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if _, err := m.store.CompareAndSwap(ctx, store.KeyWorkflow(inst.WorkflowID), blob, version); err != nil {
		return err
	}

	m.dropIndex(ctx, inst.WorkflowID)
	if m.streams != nil {
		m.streams.Forget(inst.WorkflowID)
	}
	metrics.WorkflowsSwept.Inc()
	m.bus.Emit(bus.KindWorkflowExpired, inst.WorkflowID, nil, "lifecycle", "")
	m.logger.Info("Workflow expired",
		zap.String("workflow_id", inst.WorkflowID),
		zap.Time("expires_at", inst.ExpiresAt),
	)
	return nil
}

func (m *Manager) dropIndex(ctx context.Context, workflowID string) {
	if m.redis == nil {
		return
	}
	if err := m.redis.ZRem(ctx, ttlIndexKey, workflowID).Err(); err != nil {
		m.logger.Warn("TTL index removal failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
}

// GetChain walks parent_workflow_id references from workflowID up, child
// first. It fails with ChainError on a cycle or when the chain exceeds the
// depth limit.
func (m *Manager) GetChain(ctx context.Context, workflowID string) ([]models.WorkflowInstance, error) {
	var chain []models.WorkflowInstance
	visited := make(map[string]struct{})
	current := workflowID

	for current != "" {
		if _, seen := visited[current]; seen {
			return nil, &ChainError{WorkflowID: current, Reason: "cycle detected"}
		}
		if len(chain) == m.maxDepth {
			return nil, &ChainError{
				WorkflowID: current,
				Reason:     fmt.Sprintf("depth exceeds %d", m.maxDepth),
			}
		}
		visited[current] = struct{}{}

		rec, err := m.store.Get(ctx, store.KeyWorkflow(current))
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("workflow %s: %w", current, err)
		} else if err != nil {
			return nil, err
		}
		var inst models.WorkflowInstance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", current, err)
		}
		chain = append(chain, inst)
		current = inst.ParentWorkflowID
	}
	return chain, nil
}
