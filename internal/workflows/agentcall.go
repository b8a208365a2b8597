package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/circuitbreaker"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/tools"
	"github.com/praxis-labs/conductor/internal/tracing"
)

// CallResult is what a specialist produced for one subtask.
type CallResult struct {
	Output    string   `json:"output"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Caller dispatches one subtask to a specialist agent.
type Caller interface {
	Call(ctx context.Context, agent models.AgentRecord, subtask models.Subtask, disclosed []tools.Descriptor) (CallResult, error)
}

// HTTPCaller posts subtasks to the agent's base URL. Each agent gets its
// own circuit breaker so one failing endpoint does not block the rest.
type HTTPCaller struct {
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// NewHTTPCaller creates the production caller.
func NewHTTPCaller(logger *zap.Logger) *HTTPCaller {
	return &HTTPCaller{
		client:   &http.Client{Timeout: 110 * time.Second},
		logger:   logger,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (c *HTTPCaller) breaker(agentID string) *circuitbreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[agentID]
	if !ok {
		cb = circuitbreaker.New("agent-"+agentID, circuitbreaker.DefaultConfig(), c.logger)
		c.breakers[agentID] = cb
	}
	return cb
}

type agentRequest struct {
	Subtask models.Subtask     `json:"subtask"`
	Tools   []tools.Descriptor `json:"tools,omitempty"`
}

// Call posts the subtask and the disclosed tool subset to the agent.
func (c *HTTPCaller) Call(ctx context.Context, agent models.AgentRecord, subtask models.Subtask, disclosed []tools.Descriptor) (CallResult, error) {
	var result CallResult
	err := c.breaker(agent.AgentID).Execute(ctx, func() error {
		body, err := json.Marshal(agentRequest{Subtask: subtask, Tools: disclosed})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.BaseURL+"/execute", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("call agent %s: %w", agent.AgentID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("agent %s returned %d", agent.AgentID, resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("decode agent %s response: %w", agent.AgentID, err)
		}
		return nil
	})
	return result, err
}

// LocalCaller completes subtasks in-process. Used in dev mode and tests
// where no agent endpoints are registered.
type LocalCaller struct{}

func (LocalCaller) Call(_ context.Context, agent models.AgentRecord, subtask models.Subtask, disclosed []tools.Descriptor) (CallResult, error) {
	used := make([]string, 0, len(disclosed))
	for i, d := range disclosed {
		if i == 2 {
			break
		}
		used = append(used, d.Qualified())
	}
	return CallResult{
		Output:    fmt.Sprintf("%s completed: %s", agent.AgentID, subtask.Description),
		ToolsUsed: used,
	}, nil
}
