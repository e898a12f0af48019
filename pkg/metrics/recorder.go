// Package metrics provides Prometheus-based instrumentation for task
// dispatch and bus traffic, plus a query service for aggregating recorded
// series from a Prometheus server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records dispatch metrics. It implements dispatch.Metrics.
type Recorder struct {
	tasksSubmitted    prometheus.Counter
	executionsTotal   *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	inflight          prometheus.Gauge
	busDeliveries     *prometheus.CounterVec
}

// NewRecorder creates a recorder registered on the default Prometheus
// registry. Create at most one per process.
func NewRecorder() *Recorder {
	return &Recorder{
		tasksSubmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentmesh_tasks_submitted_total",
				Help: "Total number of tasks accepted by the dispatcher",
			},
		),
		executionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_executions_total",
				Help: "Total number of agent execution attempts by agent and status",
			},
			[]string{"agent_id", "status"},
		),
		retriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_retries_total",
				Help: "Total number of retry attempts scheduled by agent",
			},
			[]string{"agent_id"},
		),
		executionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentmesh_execution_duration_seconds",
				Help:    "Duration of agent execution attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id"},
		),
		inflight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentmesh_executions_inflight",
				Help: "Number of agent executions currently in flight",
			},
		),
		busDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_bus_deliveries_total",
				Help: "Total number of bus message deliveries by message type and outcome",
			},
			[]string{"msg_type", "outcome"},
		),
	}
}

// TaskSubmitted counts a task accepted by the dispatcher.
func (r *Recorder) TaskSubmitted() {
	r.tasksSubmitted.Inc()
}

// ExecutionStarted marks an execution attempt entering flight.
func (r *Recorder) ExecutionStarted(string) {
	r.inflight.Inc()
}

// ExecutionFinished records the outcome and duration of an attempt.
func (r *Recorder) ExecutionFinished(agentID string, success bool, elapsed time.Duration) {
	r.inflight.Dec()

	status := "success"
	if !success {
		status = "error"
	}
	r.executionsTotal.WithLabelValues(agentID, status).Inc()
	r.executionDuration.WithLabelValues(agentID).Observe(elapsed.Seconds())
}

// RetryScheduled counts a retry attempt scheduled for an agent.
func (r *Recorder) RetryScheduled(agentID string) {
	r.retriesTotal.WithLabelValues(agentID).Inc()
}

// BusDelivery counts a bus delivery outcome ("delivered" or "skipped").
func (r *Recorder) BusDelivery(msgType, outcome string) {
	r.busDeliveries.WithLabelValues(msgType, outcome).Inc()
}
