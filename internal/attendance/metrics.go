package attendance

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are optional; a nil *Metrics records nothing.
type Metrics struct {
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	polls            *prometheus.CounterVec
	pending          prometheus.Gauge
	records          prometheus.Gauge
	tombstones       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_deliveries_total",
			Help: "Delivery attempts against the remote record store by result",
		}, []string{"result"}),
		deliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendsync_delivery_duration_seconds",
			Help:    "Duration of remote write requests",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_polls_total",
			Help: "Remote snapshot polls by result",
		}, []string{"result"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "attendsync_pending_tasks",
			Help: "Mutation tasks waiting for delivery",
		}),
		records: factory.NewGauge(prometheus.GaugeOpts{
			Name: "attendsync_records",
			Help: "Records visible in the local store",
		}),
		tombstones: factory.NewGauge(prometheus.GaugeOpts{
			Name: "attendsync_tombstones",
			Help: "Identifiers removed locally",
		}),
	}
}

func (m *Metrics) observeDelivery(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.deliveryDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observePoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) setState(pending, records, tombstones int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.records.Set(float64(records))
	m.tombstones.Set(float64(tombstones))
}
