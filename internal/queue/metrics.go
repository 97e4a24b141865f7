package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of waiting tasks per kind",
		},
		[]string{"kind"},
	)
	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Tasks offered to the queue grouped by outcome",
		},
		[]string{"kind", "result"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total tasks processed grouped by status",
		},
		[]string{"kind", "status"},
	)
	QueueDLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_dlq_size",
			Help: "Number of tasks stored in DLQ",
		},
		[]string{"kind"},
	)
)

// Collectors returns the queue collectors, unnamespaced.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{QueueDepth, QueueEnqueuedTotal, QueueProcessedTotal, QueueDLQSize}
}
