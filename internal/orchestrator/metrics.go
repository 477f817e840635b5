package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	Operations      *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	Fallbacks       prometheus.Counter
	FeeEscalations  prometheus.Counter
	RollbackEntries *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerops",
			Name:      "operations_total",
			Help:      "Operations finished, by kind and final status.",
		}, []string{"kind", "status"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerops",
			Name:      "attempts_total",
			Help:      "Submission attempts, by method and result.",
		}, []string{"method", "result"}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerops",
			Name:      "fallbacks_total",
			Help:      "Switches from atomic to sequential submission.",
		}),
		FeeEscalations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerops",
			Name:      "fee_escalations_total",
			Help:      "Priority fee increases between attempts.",
		}),
		RollbackEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerops",
			Name:      "rollback_entries_total",
			Help:      "Records resolved by rollback, by resolution.",
		}, []string{"resolution"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledgerops",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of Execute, by operation kind.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
	}
}

// The helpers below accept a nil *Metrics so collection stays optional.

func (m *Metrics) operation(kind ir.OperationKind, status ir.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(string(kind), string(status)).Inc()
	m.Duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) attempt(method ir.Method, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(chain.KindOf(err))
	}
	m.Attempts.WithLabelValues(string(method), result).Inc()
}

func (m *Metrics) fallback() {
	if m != nil {
		m.Fallbacks.Inc()
	}
}

func (m *Metrics) feeEscalated() {
	if m != nil {
		m.FeeEscalations.Inc()
	}
}

func (m *Metrics) rollbackEntry(state string) {
	if m != nil {
		m.RollbackEntries.WithLabelValues(state).Inc()
	}
}
