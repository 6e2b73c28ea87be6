package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments callback processing and the timeout sweeper.
type Metrics struct {
	callbacks *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	swept     *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg; nil leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "reconciliation",
				Name:      "callbacks_total",
				Help:      "Gateway callbacks by provider and disposition.",
			},
			[]string{"provider", "result"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Subsystem: "reconciliation",
				Name:      "callback_duration_seconds",
				Help:      "Time to apply a gateway callback.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		swept: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "reconciliation",
				Name:      "swept_total",
				Help:      "Stale pending transactions handled by the sweeper.",
			},
			[]string{"action"},
		),
	}
}
