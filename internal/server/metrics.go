package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parkpay/internal/payment"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	continuationsTotal *prometheus.CounterVec
	tiersTotal         *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	completionWarnings prometheus.Counter
}

func newMetricsRegistry() *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkpay_operations_total",
		Help: "Payment API operations by result",
	}, []string{"operation", "result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parkpay_operation_duration_seconds",
		Help:    "Payment API operation latency",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	continuations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkpay_grant_continuations_total",
		Help: "Grant continuations by winning strategy, or exhausted",
	}, []string{"strategy"})

	tiers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkpay_outgoing_payment_tier_total",
		Help: "Outgoing payments created per request shape",
	}, []string{"tier"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkpay_settlement_outcomes_total",
		Help: "Settlement resolution outcomes by inference rule",
	}, []string{"outcome", "rule"})

	warnings := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parkpay_completion_warnings_total",
		Help: "Incoming payment completions that failed after a transfer",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, duration, continuations, tiers, settlements, warnings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &metricsRegistry{
		registry:           r,
		operationsTotal:    ops,
		operationDuration:  duration,
		continuationsTotal: continuations,
		tiersTotal:         tiers,
		settlementsTotal:   settlements,
		completionWarnings: warnings,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) observe(operation string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(errorCode(err))
	}
	m.operationsTotal.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *metricsRegistry) incContinuation(strategy string) {
	m.continuationsTotal.WithLabelValues(strategy).Inc()
}

func (m *metricsRegistry) recordExecution(exec payment.Execution) {
	m.tiersTotal.WithLabelValues(exec.Tier).Inc()
	if exec.CompletionWarning != nil {
		m.completionWarnings.Inc()
	}
}

func (m *metricsRegistry) recordResolution(res payment.Resolution) {
	m.settlementsTotal.WithLabelValues(string(res.Outcome), res.Rule).Inc()
}
