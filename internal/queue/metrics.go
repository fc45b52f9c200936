package queue

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of ready tasks per kind",
		},
		[]string{"kind"},
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

// RegisterMetrics registers the queue collectors. A nil registerer uses the
// default registry. Already registered collectors are ignored.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{QueueDepth, QueueProcessedTotal, QueueDLQSize} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

// RefreshGauges sets the depth and DLQ gauges for kind.
func RefreshGauges(ctx context.Context, q Enqueuer, store Store, kind string) {
	if ready, _, err := q.Depth(ctx, kind); err == nil {
		QueueDepth.WithLabelValues(kind).Set(float64(ready))
	}
	if store == nil {
		return
	}
	if n, err := store.CountQueueDlq(ctx, kind); err == nil {
		QueueDLQSize.WithLabelValues(kind).Set(float64(n))
	}
}
