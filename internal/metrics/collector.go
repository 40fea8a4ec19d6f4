// Package rdmametrics exposes the runtime's Prometheus metrics:
// connection state, task outcomes, endpoint lock contention, and RDMA
// operation latency, per SPEC_FULL.md §6.
package rdmametrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "rdmarun"
	subsystem = "runtime"
)

// Label names for runtime metrics.
const (
	labelConn  = "conn_state"
	labelKind  = "task_kind"
	labelPath  = "endpoint_path"
	labelOp    = "op_kind"
	labelCause = "cause"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Runtime Metrics
// -------------------------------------------------------------------------

// Collector holds all rdmarun Prometheus metrics.
//
//   - Connections tracks the Executor's current connection-state gauge.
//   - TasksCompleted/TasksFailed count RDMA task outcomes per task kind.
//   - EndpointLockContention counts TryLock failures per path, flagging a
//     server endpoint that is under concurrent request pressure.
//   - OperationLatency histograms the wall-clock time from the Executor's
//     worker starting an operation to its completion, per task kind.
type Collector struct {
	// Connections tracks the Executor's active connection count, labeled
	// by connstate.State.String().
	Connections *prometheus.GaugeVec

	// TasksCompleted counts RDMA tasks (send/recv/read/write) that
	// completed successfully, labeled by task kind.
	TasksCompleted *prometheus.CounterVec

	// TasksFailed counts RDMA tasks that completed with an error,
	// labeled by task kind.
	TasksFailed *prometheus.CounterVec

	// EndpointLockContention counts TryLock failures per endpoint path:
	// a session found the path's advisory lock already held.
	EndpointLockContention *prometheus.CounterVec

	// OperationLatency histograms execution-to-completion latency in
	// seconds (queue wait excluded), labeled by task kind.
	OperationLatency *prometheus.HistogramVec

	// ProtocolErrors counts control-channel session failures, labeled by
	// op kind and a short cause string (e.g. "endpoint-not-found",
	// "ack-timeout").
	ProtocolErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all runtime metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.TasksCompleted,
		c.TasksFailed,
		c.EndpointLockContention,
		c.OperationLatency,
		c.ProtocolErrors,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Current Executor connection count by connstate.State.",
		}, []string{labelConn}),

		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_completed_total",
			Help:      "Total RDMA tasks completed successfully, by task kind.",
		}, []string{labelKind}),

		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_failed_total",
			Help:      "Total RDMA tasks that completed with an error, by task kind.",
		}, []string{labelKind}),

		EndpointLockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "endpoint_lock_contention_total",
			Help:      "Total TryLock failures against an already-locked endpoint path.",
		}, []string{labelPath}),

		OperationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_latency_seconds",
			Help:      "Execution-to-completion latency of RDMA operations, by task kind.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 12),
		}, []string{labelKind}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Total control-channel session failures, by op kind and cause.",
		}, []string{labelOp, labelCause}),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// SetConnections sets the connection gauge for the given state.
func (c *Collector) SetConnections(state string, n float64) {
	c.Connections.WithLabelValues(state).Set(n)
}

// -------------------------------------------------------------------------
// Task Outcomes
// -------------------------------------------------------------------------

// IncTasksCompleted increments the completed-task counter for kind.
func (c *Collector) IncTasksCompleted(kind string) {
	c.TasksCompleted.WithLabelValues(kind).Inc()
}

// IncTasksFailed increments the failed-task counter for kind.
func (c *Collector) IncTasksFailed(kind string) {
	c.TasksFailed.WithLabelValues(kind).Inc()
}

// ObserveOperationLatency records how long an operation of the given task
// kind took from the start of its execution to completion, in seconds.
func (c *Collector) ObserveOperationLatency(kind string, seconds float64) {
	c.OperationLatency.WithLabelValues(kind).Observe(seconds)
}

// -------------------------------------------------------------------------
// Endpoint Contention
// -------------------------------------------------------------------------

// IncEndpointLockContention increments the lock-contention counter for path.
func (c *Collector) IncEndpointLockContention(path string) {
	c.EndpointLockContention.WithLabelValues(path).Inc()
}

// -------------------------------------------------------------------------
// Protocol Errors
// -------------------------------------------------------------------------

// IncProtocolErrors increments the protocol error counter for the given
// op kind and cause.
func (c *Collector) IncProtocolErrors(op, cause string) {
	c.ProtocolErrors.WithLabelValues(op, cause).Inc()
}
