// Package metrics holds the Prometheus collectors for the coordinator.
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "invoicechain"

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	SagaOutcomes  *prometheus.CounterVec
	Reconciles    *prometheus.CounterVec
	Verifications *prometheus.CounterVec
	LedgerCalls   *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_outcomes_total",
			Help:      "Invoice creation saga results by outcome and last reached stage.",
		}, []string{"outcome", "stage"}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Status reconciliation attempts by transition and result.",
		}, []string{"from", "to", "result"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_verifications_total",
			Help:      "Wallet ownership verification attempts by result.",
		}, []string{"result"}),
		LedgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_calls_total",
			Help:      "Ledger RPC calls by operation and result.",
		}, []string{"op", "result"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "REST request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SagaOutcomes,
		m.Reconciles,
		m.Verifications,
		m.LedgerCalls,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) SagaOutcome(outcome, stage string) {
	if m == nil {
		return
	}
	m.SagaOutcomes.WithLabelValues(outcome, stage).Inc()
}

func (m *Metrics) Reconcile(from, to, result string) {
	if m == nil {
		return
	}
	m.Reconciles.WithLabelValues(from, to, result).Inc()
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(result).Inc()
}

// LedgerCall counts one ledger operation; a nil err counts as ok.
func (m *Metrics) LedgerCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LedgerCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}
