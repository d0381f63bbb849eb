package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SpoolMetrics collects the counters/gauge/histogram for repository
// operations, grounded on the BigKAA query-module's promauto-built
// metric set (the teacher hand-rolls its own Prometheus text
// exposition instead of importing client_golang, so this one concern
// is sourced from the rest of the example pack rather than the teacher).
type SpoolMetrics struct {
	Stored           *prometheus.CounterVec
	Published        *prometheus.CounterVec
	Confirmed        prometheus.Counter
	Dropped          prometheus.Counter
	CapacityRejected prometheus.Counter
	RowCount         prometheus.Gauge
	PublishToConfirm prometheus.Histogram
}

// NewSpoolMetrics registers the spool's metric set against reg.
func NewSpoolMetrics(reg prometheus.Registerer) *SpoolMetrics {
	factory := promauto.With(reg)
	return &SpoolMetrics{
		Stored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spool_stored_messages_total",
			Help: "Messages accepted by Store, by priority band.",
		}, []string{"priority_band"}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spool_published_messages_total",
			Help: "Messages marked published, by QoS.",
		}, []string{"qos"}),
		Confirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "spool_confirmed_messages_total",
			Help: "Messages confirmed by the broker.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "spool_dropped_messages_total",
			Help: "In-flight messages marked dropped.",
		}),
		CapacityRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "spool_capacity_rejected_total",
			Help: "Store calls rejected because the capacity cap was reached.",
		}),
		RowCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spool_row_count",
			Help: "Current row count in the spool.",
		}),
		PublishToConfirm: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "spool_publish_to_confirm_seconds",
			Help:    "Latency between GetNext and Confirmed for QoS>0 messages.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

// Handler exposes the Prometheus text format over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
