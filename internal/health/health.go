// Package health aggregates component checks behind the /health endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one component or the whole service.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// Check is one component's result.
type Check struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ms"`
}

// Manager runs registered checks.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
	critical map[string]bool
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		checkers: make(map[string]Checker),
		critical: make(map[string]bool),
	}
}

// Register adds a named check. Critical check failures fail readiness;
// non-critical ones only degrade the detailed report.
func (m *Manager) Register(name string, critical bool, fn Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = fn
	m.critical[name] = critical
}

// Run executes all checks with a shared timeout.
func (m *Manager) Run(ctx context.Context) (Status, []Check) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	overall := StatusOK
	results := make([]Check, 0, len(names))
	for _, name := range names {
		m.mu.RLock()
		fn := m.checkers[name]
		critical := m.critical[name]
		m.mu.RUnlock()

		start := time.Now()
		err := fn(ctx)
		check := Check{Name: name, Status: StatusOK, Latency: time.Since(start) / time.Millisecond}
		if err != nil {
			check.Error = err.Error()
			if critical {
				check.Status = StatusDown
				overall = StatusDown
			} else {
				check.Status = StatusDegraded
				if overall == StatusOK {
					overall = StatusDegraded
				}
			}
			m.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
		}
		results = append(results, check)
	}
	return overall, results
}

// Handler serves /health, /health/live, /health/ready and
// /health/detailed.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		status, _ := m.Run(r.Context())
		code := http.StatusOK
		if status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": string(status)})
	})
	mux.HandleFunc("/health/detailed", func(w http.ResponseWriter, r *http.Request) {
		status, checks := m.Run(r.Context())
		code := http.StatusOK
		if status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
