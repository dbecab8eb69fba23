package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unmeshed/go-sdk/model"
)

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unmeshed_steps_total",
			Help: "Total number of executed steps by response status.",
		},
		[]string{"status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unmeshed_step_duration_seconds",
			Help:    "Handler execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace", "name"},
	)

	unknownStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unmeshed_unknown_steps_total",
			Help: "Total number of polled steps with no registered worker.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(unknownStepsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, status := range []string{model.StatusCompleted, model.StatusFailed, model.StatusRunning} {
		stepsTotal.WithLabelValues(status)
	}
}
