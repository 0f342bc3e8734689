package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(externalCalls, externalLatencyMs, objectOps, jobTransitions) }

var (
	externalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctranslate_external_calls_total",
			Help: "Calls to external services, by service, operation and outcome.",
		},
		[]string{"service", "operation", "success"},
	)

	externalLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doctranslate_external_latency_ms",
			Help:    "External call latency distribution in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 15000, 60000},
		},
		[]string{"service", "operation"},
	)

	objectOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctranslate_object_operations_total",
			Help: "Object store operations, by backend and operation.",
		},
		[]string{"backend", "operation"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctranslate_job_transitions_total",
			Help: "Job status transitions observed on the change stream.",
		},
		[]string{"kind", "status"},
	)
)

// ObserveExternalCall records one call to an external service.
func ObserveExternalCall(service, operation string, elapsed time.Duration, success bool) {
	externalCalls.WithLabelValues(norm(service), norm(operation), strconv.FormatBool(success)).Inc()
	externalLatencyMs.WithLabelValues(norm(service), norm(operation)).Observe(float64(elapsed.Milliseconds()))
}

// ObjectOperation counts one object store operation.
func ObjectOperation(backend, operation string) {
	objectOps.WithLabelValues(norm(backend), norm(operation)).Inc()
}

// JobTransition counts a job entering status.
func JobTransition(kind, status string) {
	jobTransitions.WithLabelValues(norm(kind), norm(status)).Inc()
}
