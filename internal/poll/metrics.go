package poll

import "github.com/prometheus/client_golang/prometheus"

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unmeshed_polls_total",
			Help: "Total number of poll requests by outcome.",
		},
		[]string{"outcome"},
	)

	workItemsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unmeshed_work_items_polled_total",
			Help: "Total number of work items received and dispatched.",
		},
	)
)

func init() {
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(workItemsTotal)

	pollsTotal.WithLabelValues("ok")
	pollsTotal.WithLabelValues("error")
}
