// Package agents maintains the registry of specialist agent endpoints. The
// registry owns Agent Records: heartbeats upsert through compare-and-swap
// on the store, reads come from a lock-free in-memory snapshot.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/metrics"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/store"
)

// ErrAgentNotFound indicates no registered agent matches the lookup.
var ErrAgentNotFound = errors.New("agent not found")

// heartbeatTTL is how stale a heartbeat may be before the agent is marked
// offline.
const heartbeatTTL = 60 * time.Second

// Registry tracks available specialist agents and their health.
type Registry struct {
	store  store.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[string]models.AgentRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry loads persisted agent rows and returns the registry.
func NewRegistry(ctx context.Context, st store.Store, b *bus.Bus, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		store:  st,
		bus:    b,
		logger: logger,
		agents: make(map[string]models.AgentRecord),
		stopCh: make(chan struct{}),
	}

	recs, err := st.ScanPrefix(ctx, "agents/")
	if err != nil {
		return nil, fmt.Errorf("load agent rows: %w", err)
	}
	for _, rec := range recs {
		var agent models.AgentRecord
		if err := json.Unmarshal(rec.Value, &agent); err != nil {
			logger.Warn("Skipping corrupt agent row", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		r.agents[agent.AgentID] = agent
	}
	metrics.AgentsRegistered.Set(float64(len(r.agents)))

	logger.Info("Agent registry loaded", zap.Int("agents", len(r.agents)))
	return r, nil
}

// Start runs the offline sweep until Stop is called.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(heartbeatTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweepOffline(context.Background())
			}
		}
	}()
}

// Stop terminates the background sweep.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Heartbeat upserts the agent record and marks it active. The write path is
// a CAS loop on the agent's row.
func (r *Registry) Heartbeat(ctx context.Context, agent models.AgentRecord) error {
	if agent.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	agent.Status = models.AgentActive
	agent.LastHeartbeat = time.Now()

	key := store.KeyAgent(agent.AgentID)
	err := store.UpdateWithRetry(ctx, r.store, key, func(cur []byte) ([]byte, error) {
		// Preserve fields omitted by a bare heartbeat.
		if cur != nil {
			var prev models.AgentRecord
			if err := json.Unmarshal(cur, &prev); err == nil {
				if agent.DisplayName == "" {
					agent.DisplayName = prev.DisplayName
				}
				if agent.BaseURL == "" {
					agent.BaseURL = prev.BaseURL
				}
				if len(agent.CapabilityTags) == 0 {
					agent.CapabilityTags = prev.CapabilityTags
				}
			}
		}
		return json.Marshal(agent)
	})
	if err != nil {
		return fmt.Errorf("persist heartbeat for %s: %w", agent.AgentID, err)
	}

	r.mu.Lock()
	r.agents[agent.AgentID] = agent
	metrics.AgentsRegistered.Set(float64(len(r.agents)))
	r.mu.Unlock()

	metrics.AgentHeartbeats.WithLabelValues(agent.AgentID).Inc()
	r.bus.Emit(bus.KindAgentHeartbeat, "", map[string]interface{}{
		"agent_id": agent.AgentID,
	}, "agent-registry", "")
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(agentID string) (models.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return models.AgentRecord{}, ErrAgentNotFound
	}
	return agent, nil
}

// List returns all agents, optionally filtered by capability tag and
// status, ordered by agent id.
func (r *Registry) List(capability string, status models.AgentStatus) []models.AgentRecord {
	r.mu.RLock()
	out := make([]models.AgentRecord, 0, len(r.agents))
	for _, agent := range r.agents {
		if capability != "" && !agent.HasCapability(capability) {
			continue
		}
		if status != "" && agent.Status != status {
			continue
		}
		out = append(out, agent)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// PickForKind returns a healthy agent advertising the given capability,
// preferring active over busy. Used by the router node.
func (r *Registry) PickForKind(kind string) (models.AgentRecord, error) {
	if active := r.List(kind, models.AgentActive); len(active) > 0 {
		return active[0], nil
	}
	if busy := r.List(kind, models.AgentBusy); len(busy) > 0 {
		return busy[0], nil
	}
	return models.AgentRecord{}, fmt.Errorf("%w: capability %q", ErrAgentNotFound, kind)
}

// sweepOffline marks agents with stale heartbeats offline, both in memory
// and in the store.
func (r *Registry) sweepOffline(ctx context.Context) {
	cutoff := time.Now().Add(-heartbeatTTL)

	r.mu.Lock()
	var stale []models.AgentRecord
	for id, agent := range r.agents {
		if agent.Status != models.AgentOffline && agent.LastHeartbeat.Before(cutoff) {
			agent.Status = models.AgentOffline
			r.agents[id] = agent
			stale = append(stale, agent)
		}
	}
	r.mu.Unlock()

	for _, agent := range stale {
		agent := agent
		err := store.UpdateWithRetry(ctx, r.store, store.KeyAgent(agent.AgentID), func(cur []byte) ([]byte, error) {
			if cur != nil {
				var prev models.AgentRecord
				if err := json.Unmarshal(cur, &prev); err == nil {
					prev.Status = models.AgentOffline
					return json.Marshal(prev)
				}
			}
			return json.Marshal(agent)
		})
		if err != nil {
			r.logger.Warn("Failed to persist offline transition",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
		}
		r.logger.Info("Agent marked offline",
			zap.String("agent_id", agent.AgentID),
			zap.Time("last_heartbeat", agent.LastHeartbeat),
		)
	}
}
