package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes
const (
	resultSuccess = "success"
	resultError   = "error"
	resultSkipped = "skipped"
)

// Metrics are the coordinator's Prometheus collectors.
type Metrics struct {
	dispatches   *prometheus.CounterVec
	pending      prometheus.Gauge
	tickDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swapd_dispatch_total",
			Help: "Actor dispatches by action, chain and result.",
		}, []string{"action", "chain", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swapd_pending_orders",
			Help: "Orders not yet in a terminal status.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapd_tick_duration_seconds",
			Help:    "Time spent in one coordinator pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.pending, m.tickDuration)
	}
	return m
}

func (m *Metrics) dispatched(action Action, chainName, result string) {
	m.dispatches.WithLabelValues(string(action), chainName, result).Inc()
}
