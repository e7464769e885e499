// Package metrics provides Prometheus metrics for the workflow service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "aitu"
	subsystem = "workflow"
)

var (
	// WorkflowsTotal counts finished workflows by final status.
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_total",
			Help:      "Total number of workflows by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// WorkflowsActive tracks workflows currently executing in this process.
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_active",
			Help:      "Number of workflows currently running",
		},
	)

	// WorkflowDuration tracks workflow execution duration.
	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// StepsTotal counts executed steps by tool and final status.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "steps_total",
			Help:      "Total number of steps executed by tool and status",
		},
		[]string{"tool", "status"},
	)

	// StepDuration tracks step execution duration.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"tool", "status"},
	)

	// WaveSize tracks how many steps are dispatched together.
	WaveSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wave_size",
			Help:      "Number of steps dispatched per wave",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16, 32},
		},
	)

	// StepsAdded counts steps injected by analysis results.
	StepsAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "steps_added_total",
			Help:      "Total number of steps appended to running workflows",
		},
	)

	// TaskPollsTotal counts poll waits by outcome.
	TaskPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_polls_total",
			Help:      "Total number of task completion waits by outcome",
		},
		[]string{"outcome"}, // "completed", "failed", "cancelled", "timeout"
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// StoreOperations counts store operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "operation", "result"}, // store: workflow, task; result: success, error
	)

	// ExecutorRequests counts outbound calls to the generation backend.
	ExecutorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "executor_requests_total",
			Help:      "Total number of generation backend requests",
		},
		[]string{"operation", "result"}, // result: success, retry, error
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StreamConnections tracks open SSE and WebSocket event streams.
	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_connections",
			Help:      "Number of open event stream connections",
		},
		[]string{"transport"}, // "sse", "websocket"
	)

	// WorkflowsPurged counts workflow documents removed by the retention job.
	WorkflowsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_purged_total",
			Help:      "Total number of finished workflows removed by retention",
		},
	)

	// TasksPurged counts task records removed by the retention job.
	TasksPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_purged_total",
			Help:      "Total number of finished task records removed by retention",
		},
	)
)

// ObserveStore records the outcome of a store operation.
func ObserveStore(store, operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	StoreOperations.WithLabelValues(store, operation, result).Inc()
}
