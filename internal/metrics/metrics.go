package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// DiscoveryAttemptsTotal tracks alternate primary lookups by strategy and result
	DiscoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_discovery_attempts_total",
			Help: "Total alternate Redis primary lookups by strategy (static/sentinel) and result",
		},
		[]string{"strategy", "result"},
	)
)

// Pub/Sub Bridge Metrics
var (
	// BridgeConnectionState tracks the bridge connection state (0=init, 1=connecting, 2=connected, 3=error, 4=closed)
	BridgeConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_connection_state",
			Help: "Current pub/sub bridge connection state (0=init, 1=connecting, 2=connected, 3=error, 4=closed)",
		},
	)

	// BridgeConnectDuration tracks time from connect start to connected
	BridgeConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_connect_duration_seconds",
			Help:    "Time from connect start until the pub/sub connection is established",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		},
	)

	// BridgeConnectFailures tracks failed connect attempts by reason
	BridgeConnectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_connect_failures_total",
			Help: "Total pub/sub connect failures by reason (timeout/refused/lost)",
		},
		[]string{"reason"},
	)

	// BridgeMessagesReceived tracks pub/sub messages received by channel kind
	BridgeMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_received_total",
			Help: "Total pub/sub messages received by channel kind (primary/private)",
		},
		[]string{"channel"},
	)

	// BridgeForwardErrors tracks payloads that could not be handed to the queue
	BridgeForwardErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_forward_errors_total",
			Help: "Total pub/sub payloads that failed to enter the queue",
		},
	)
)

// Queue Relay Metrics
var (
	// QueueMessagesTotal tracks queue messages by direction (pushed/pulled)
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_total",
			Help: "Total queue messages by direction (pushed/pulled)",
		},
		[]string{"direction"},
	)

	// QueueErrorsTotal tracks queue socket errors by operation
	QueueErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_errors_total",
			Help: "Total queue socket errors by operation (bind/send/receive)",
		},
		[]string{"operation"},
	)

	// QueueBound is 1 while a PULL binding is active
	QueueBound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_bound",
			Help: "1 if the queue PULL socket is bound, 0 otherwise",
		},
	)
)

// WebSocket Gateway Metrics
var (
	// WebSocketConnectionsCurrent tracks current open WebSocket connections
	WebSocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current number of open WebSocket connections",
		},
	)

	// WebSocketConnectionsTotal tracks total WebSocket connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/global_limit/shutdown)",
		},
		[]string{"reason"},
	)

	// WebSocketMessageSendDuration tracks WebSocket message send duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketConnectionDuration tracks WebSocket connection duration
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// BroadcastsTotal tracks payloads fanned out to clients
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_broadcasts_total",
			Help: "Total payloads broadcast to WebSocket clients",
		},
	)

	// SlowClientsEvicted tracks number of slow clients evicted
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_slow_clients_evicted_total",
			Help: "Total number of slow WebSocket clients evicted due to buffer full",
		},
	)

	// CounterUpdateErrors tracks failed shared client-count updates by operation
	CounterUpdateErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_counter_update_errors_total",
			Help: "Total failed shared client-count updates by operation (increment/decrement/reset)",
		},
		[]string{"operation"},
	)
)

// Supervisor Metrics
var (
	// SupervisorRestartsTotal tracks restarts by the error type that caused them
	SupervisorRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_restarts_total",
			Help: "Total pipeline restarts by cause (connection/timeout)",
		},
		[]string{"cause"},
	)

	// SupervisorCyclesTotal tracks pipeline cycles started by mode
	SupervisorCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_cycles_total",
			Help: "Total pipeline cycles started by mode (start/restart)",
		},
		[]string{"mode"},
	)

	// SupervisorRestartCount mirrors the current restart counter
	SupervisorRestartCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_restart_count",
			Help: "Restarts performed by this process so far",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
