package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	// Every collector must have a valid descriptor; promauto would panic on duplicates at init.
	metrics := []prometheus.Collector{
		RedisOpsTotal,
		RedisOpDuration,
		RedisConnectionErrors,
		CircuitBreakerStateChanges,
		CircuitBreakerState,
		DiscoveryAttemptsTotal,

		BridgeConnectionState,
		BridgeConnectDuration,
		BridgeConnectFailures,
		BridgeMessagesReceived,
		BridgeForwardErrors,

		QueueMessagesTotal,
		QueueErrorsTotal,
		QueueBound,

		WebSocketConnectionsCurrent,
		WebSocketConnectionsTotal,
		WebSocketConnectionsRejected,
		WebSocketMessageSendDuration,
		WebSocketConnectionDuration,
		WebSocketPingFailures,
		BroadcastsTotal,
		SlowClientsEvicted,
		CounterUpdateErrors,

		SupervisorRestartsTotal,
		SupervisorCyclesTotal,
		SupervisorRestartCount,

		BuildInfo,
	}

	for _, metric := range metrics {
		desc := make(chan *prometheus.Desc, 1)
		metric.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestCounterMetrics(t *testing.T) {
	tests := []struct {
		name    string
		metric  *prometheus.CounterVec
		labels  prometheus.Labels
		incBy   int
		wantVal float64
	}{
		{
			name:    "redis operations counter",
			metric:  RedisOpsTotal,
			labels:  prometheus.Labels{"operation": "hincrby", "status": "success"},
			incBy:   5,
			wantVal: 5,
		},
		{
			name:    "bridge messages counter",
			metric:  BridgeMessagesReceived,
			labels:  prometheus.Labels{"channel": "primary"},
			incBy:   10,
			wantVal: 10,
		},
		{
			name:    "queue messages counter",
			metric:  QueueMessagesTotal,
			labels:  prometheus.Labels{"direction": "pulled"},
			incBy:   3,
			wantVal: 3,
		},
		{
			name:    "supervisor restarts counter",
			metric:  SupervisorRestartsTotal,
			labels:  prometheus.Labels{"cause": "connection"},
			incBy:   30,
			wantVal: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.metric.Reset()

			for range tt.incBy {
				tt.metric.With(tt.labels).Inc()
			}

			assert.Equal(t, tt.wantVal, testutil.ToFloat64(tt.metric.With(tt.labels)))
		})
	}
}

func TestGaugeMetrics(t *testing.T) {
	tests := []struct {
		name     string
		metric   prometheus.Gauge
		setValue float64
	}{
		{"websocket connections current", WebSocketConnectionsCurrent, 75},
		{"bridge connection state", BridgeConnectionState, 2},
		{"queue bound", QueueBound, 1},
		{"supervisor restart count", SupervisorRestartCount, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.metric.Set(tt.setValue)
			assert.Equal(t, tt.setValue, testutil.ToFloat64(tt.metric))
		})
	}
}

func TestHistogramMetrics(t *testing.T) {
	t.Run("redis operation duration", func(t *testing.T) {
		RedisOpDuration.Reset()
		for _, obs := range []float64{0.001, 0.005, 0.010} {
			RedisOpDuration.WithLabelValues("hset").Observe(obs)
		}
		assert.Equal(t, 1, testutil.CollectAndCount(RedisOpDuration))
	})

	t.Run("bridge connect duration", func(t *testing.T) {
		BridgeConnectDuration.Observe(0.02)
		assert.Equal(t, 1, testutil.CollectAndCount(BridgeConnectDuration))
	})
}

func TestMetricNaming(t *testing.T) {
	tests := []struct {
		metricName   string
		wantContains string
	}{
		{"redis_operations_total", "_total"},
		{"redis_operation_duration_seconds", "_seconds"},
		{"bridge_connect_duration_seconds", "_seconds"},
		{"supervisor_restarts_total", "_total"},
		{"websocket_connections_current", "_current"},
	}

	for _, tt := range tests {
		t.Run(tt.metricName, func(t *testing.T) {
			assert.True(t, strings.Contains(tt.metricName, tt.wantContains),
				"metric name %s should contain %s", tt.metricName, tt.wantContains)
		})
	}
}
