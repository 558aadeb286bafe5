package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the payment service.
// All methods tolerate a nil receiver so libraries can skip wiring in tests.
type Metrics struct {
	registry *prometheus.Registry

	paymentInitiated prometheus.Counter
	paymentCompleted prometheus.Counter
	paymentFailed    *prometheus.CounterVec
	stepRetries      *prometheus.CounterVec
	stepLatency      *prometheus.HistogramVec
	compensations    *prometheus.CounterVec
	activeSagas      prometheus.Gauge
}

// New creates a metrics registry and registers payment metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	paymentInitiated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_initiated_total",
		Help: "Total number of initiated payments.",
	})

	paymentCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_completed_total",
		Help: "Total number of payments that reached COMPLETED.",
	})

	paymentFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payments by failing step.",
	}, []string{"step"})

	stepRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_step_retries_total",
		Help: "Total number of saga step retry attempts.",
	}, []string{"step"})

	stepLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_step_latency_seconds",
		Help:    "Latency of saga step execution in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_compensations_total",
		Help: "Total number of compensation actions by outcome.",
	}, []string{"action", "outcome"})

	activeSagas := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "payment_active_sagas",
		Help: "Current number of in-flight payment sagas.",
	})

	registry.MustRegister(paymentInitiated, paymentCompleted, paymentFailed, stepRetries, stepLatency, compensations, activeSagas)

	return &Metrics{
		registry:         registry,
		paymentInitiated: paymentInitiated,
		paymentCompleted: paymentCompleted,
		paymentFailed:    paymentFailed,
		stepRetries:      stepRetries,
		stepLatency:      stepLatency,
		compensations:    compensations,
		activeSagas:      activeSagas,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncPaymentInitiated() {
	if m == nil {
		return
	}
	m.paymentInitiated.Inc()
}

func (m *Metrics) IncPaymentCompleted() {
	if m == nil {
		return
	}
	m.paymentCompleted.Inc()
}

func (m *Metrics) IncPaymentFailed(step string) {
	if m == nil {
		return
	}
	m.paymentFailed.WithLabelValues(step).Inc()
}

func (m *Metrics) IncStepRetry(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

func (m *Metrics) ObserveStepLatency(step string, seconds float64) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(step).Observe(seconds)
}

func (m *Metrics) IncCompensation(action, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncActiveSagas() {
	if m == nil {
		return
	}
	m.activeSagas.Inc()
}

func (m *Metrics) DecActiveSagas() {
	if m == nil {
		return
	}
	m.activeSagas.Dec()
}
