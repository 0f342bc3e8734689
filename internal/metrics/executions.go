package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(executionsStarted, executionsFinished, executionDuration, executionsRunning) }

var (
	executionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctranslate_executions_started_total",
			Help: "Pipeline executions started, by pipeline.",
		},
		[]string{"pipeline"},
	)

	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctranslate_executions_finished_total",
			Help: "Pipeline executions finished, by pipeline and terminal status.",
		},
		[]string{"pipeline", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doctranslate_execution_duration_seconds",
			Help:    "Pipeline execution wall time, suspensions included.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"pipeline", "status"},
	)

	executionsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "doctranslate_executions_running",
			Help: "Executions currently in flight in this daemon.",
		},
		[]string{"pipeline"},
	)
)

// ExecutionStarted counts a started execution.
func ExecutionStarted(pipeline string) {
	executionsStarted.WithLabelValues(norm(pipeline)).Inc()
	executionsRunning.WithLabelValues(norm(pipeline)).Inc()
}

// ExecutionFinished counts a finished execution and observes its duration.
func ExecutionFinished(pipeline, status string, elapsed time.Duration) {
	executionsFinished.WithLabelValues(norm(pipeline), norm(status)).Inc()
	executionDuration.WithLabelValues(norm(pipeline), norm(status)).Observe(elapsed.Seconds())
	executionsRunning.WithLabelValues(norm(pipeline)).Dec()
}

// ExecutionInterrupted drops an execution left RUNNING by shutdown from the
// in-flight gauge. It is not counted as finished.
func ExecutionInterrupted(pipeline string) {
	executionsRunning.WithLabelValues(norm(pipeline)).Dec()
}
