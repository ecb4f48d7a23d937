package tracker

import "github.com/prometheus/client_golang/prometheus"

var (
	trackedWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wyvern_tracked_workflows",
		Help: "Number of machines with an install workflow being polled.",
	})

	trackerFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wyvern_tracker_fetch_failures_total",
		Help: "Workflow state fetches that failed and were retried.",
	})
)

func init() {
	prometheus.MustRegister(trackedWorkflows, trackerFetchFailures)
}
