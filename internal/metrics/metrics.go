// Package metrics defines the Prometheus instrumentation for the
// orchestrator. Importing the package registers all collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"graph"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workflows_completed_total",
			Help: "Total number of workflows reaching a terminal state",
		},
		[]string{"graph", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"graph"},
	)

	NodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node", "status"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_node_duration_ms",
			Help:    "Node execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 120000},
		},
		[]string{"node"},
	)

	CheckpointsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_checkpoints_written_total",
			Help: "Total number of checkpoints persisted",
		},
	)

	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_tasks_duplicate_total",
			Help: "Total number of idempotent re-submissions",
		},
	)

	PlannerWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_planner_warnings_total",
			Help: "Total number of malformed planner fields dropped",
		},
	)

	// Approval metrics
	ApprovalsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_approvals_requested_total",
			Help: "Total number of approval requests created",
		},
		[]string{"risk_level"},
	)

	ApprovalsDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_approvals_decided_total",
			Help: "Total number of approval decisions",
		},
		[]string{"verdict"},
	)

	ApprovalsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_approvals_expired_total",
			Help: "Total number of approvals moved to expired by the sweeper",
		},
	)

	// Event bus metrics
	BusEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_bus_events_emitted_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"kind"},
	)

	BusHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_bus_handler_failures_total",
			Help: "Total number of event handler panics",
		},
		[]string{"kind"},
	)

	// Lifecycle metrics
	WorkflowsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_workflows_swept_total",
			Help: "Total number of workflows expired by the TTL sweeper",
		},
	)

	TTLRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_ttl_refreshes_total",
			Help: "Total number of workflow TTL refreshes",
		},
	)

	// Stream metrics
	StreamChunksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_stream_chunks_sent_total",
			Help: "Total number of chunks written to chat streams",
		},
		[]string{"type"},
	)

	StreamChunksCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_stream_chunks_coalesced_total",
			Help: "Total number of content chunks merged under backpressure",
		},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_streams_active",
			Help: "Number of open chat streams",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_session_cache_hits_total",
			Help: "Session local cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_session_cache_misses_total",
			Help: "Session local cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_session_cache_size",
			Help: "Number of sessions held in the local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_session_cache_evictions_total",
			Help: "Sessions evicted from the local cache",
		},
	)

	// Agent registry metrics
	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_agents_registered",
			Help: "Number of agents currently registered",
		},
	)

	AgentHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_agent_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
		[]string{"agent_id"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)
