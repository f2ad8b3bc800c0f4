package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "decexec"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Logical dispatches by policy and outcome.",
		},
		[]string{"policy", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time from fan-out to aggregated outcome.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	nodeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_calls_total",
			Help:      "Per-node Exec calls by outcome and failure kind.",
		},
		[]string{"node", "outcome", "kind"},
	)
	nodeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_call_duration_seconds",
			Help:      "Per-node Exec call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "outcome"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Executor connection attempts by outcome.",
		},
		[]string{"node", "outcome"},
	)
	executorExec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "exec_total",
			Help:      "Exec requests served by an executor node.",
		},
		[]string{"node", "app", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			dispatchTotal,
			dispatchDuration,
			nodeCalls,
			nodeCallDuration,
			connectAttempts,
			executorExec,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(policy, outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatchTotal.WithLabelValues(policy, outcome).Inc()
	dispatchDuration.Observe(duration.Seconds())
}

// RecordNodeCall counts one per-node Exec. kind is empty on success.
func RecordNodeCall(node, outcome, kind string, duration time.Duration) {
	RegisterMetrics()
	nodeCalls.WithLabelValues(node, outcome, kind).Inc()
	nodeCallDuration.WithLabelValues(node, outcome).Observe(duration.Seconds())
}

func RecordConnect(node string, success bool) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(node, outcomeLabel(success)).Inc()
}

func RecordExecutorExec(node, app, outcome string) {
	RegisterMetrics()
	executorExec.WithLabelValues(node, app, outcome).Inc()
}

// Prometheus adapts the package recorders to the dispatcher's metrics hook.
type Prometheus struct{}

func (Prometheus) ObserveConnect(node string, err error) {
	RecordConnect(node, err == nil)
}

func (Prometheus) ObserveCall(node, outcome, kind string, duration time.Duration) {
	RecordNodeCall(node, outcome, kind, duration)
}

func (Prometheus) ObserveDispatch(policy, outcome string, duration time.Duration) {
	RecordDispatch(policy, outcome, duration)
}

func outcomeLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
