package events

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wyvern_events_published_total",
		Help: "Live update events published, by type.",
	}, []string{"type"})

	droppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wyvern_events_dropped_total",
		Help: "Live update events dropped because a subscriber buffer was full.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(publishedEvents, droppedEvents)
}
