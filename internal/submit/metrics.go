package submit

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unmeshed_submissions_total",
			Help: "Total number of work responses by terminal or retry outcome.",
		},
		[]string{"outcome"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unmeshed_submit_batches_total",
			Help: "Total number of bulk result submissions by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unmeshed_submit_queue_depth",
			Help: "Number of work responses waiting in the submission queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(batchesTotal)
	prometheus.MustRegister(queueDepth)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, outcome := range []string{OutcomeSubmitted, OutcomeDropped, "retried"} {
		submissionsTotal.WithLabelValues(outcome)
	}
	batchesTotal.WithLabelValues("ok")
	batchesTotal.WithLabelValues("error")
}
