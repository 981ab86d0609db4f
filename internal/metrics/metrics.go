// Package metrics exposes Prometheus instrumentation for the credits ledger.
// Counters split committed, replayed, and rejected operations so dashboards
// can distinguish real economic effects from idempotent retries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ecoquest/credits-service/internal/domain"
)

var (
	operationsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_ledger_operations_committed_total",
		Help: "Ledger operations that committed a new transaction.",
	}, []string{"type"})

	operationsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_ledger_operations_replayed_total",
		Help: "Ledger operations answered from a previous commit via the idempotency guard.",
	}, []string{"type"})

	operationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_ledger_operations_rejected_total",
		Help: "Ledger operations rejected with no state change.",
	}, []string{"type", "reason"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credits_ledger_operation_duration_seconds",
		Help:    "End-to-end duration of successful ledger operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func OperationCommitted(txType domain.TransactionType) {
	operationsCommitted.WithLabelValues(string(txType)).Inc()
}

func OperationReplayed(txType domain.TransactionType) {
	operationsReplayed.WithLabelValues(string(txType)).Inc()
}

func OperationRejected(txType domain.TransactionType, reason string) {
	operationsRejected.WithLabelValues(string(txType), reason).Inc()
}

func ObserveOperationDuration(txType domain.TransactionType, d time.Duration) {
	operationDuration.WithLabelValues(string(txType)).Observe(d.Seconds())
}
