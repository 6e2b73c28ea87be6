package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/emarket-platform/services/wallet/internal/domain"
)

// Metrics instruments the account manager.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	conflictRetries   *prometheus.CounterVec
	replaysTotal      *prometheus.CounterVec
	anomaliesTotal    *prometheus.CounterVec
	verifyFailures    prometheus.Counter
}

// NewMetrics registers the manager's collectors on reg. A nil reg keeps
// them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by operation and result.",
			},
			[]string{"operation", "result"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency of ledger operations including retries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		conflictRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "conflict_retries_total",
				Help:      "Units of work retried after a version conflict or transient storage error.",
			},
			[]string{"operation"},
		),
		replaysTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "idempotency",
				Name:      "replays_total",
				Help:      "Requests answered from a previously recorded result.",
			},
			[]string{"operation"},
		),
		anomaliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "reconciliation",
				Name:      "anomalies_total",
				Help:      "Contradictory confirmations held for manual review.",
			},
			[]string{"source"},
		),
		verifyFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "audit",
				Name:      "verify_failures_total",
				Help:      "Wallet verifications whose replay or audit chain disagreed.",
			},
		),
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.ErrorCode(err)
}
