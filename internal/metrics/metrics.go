package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MaterializeRequests *prometheus.CounterVec
	MaterializeDuration *prometheus.HistogramVec
	Occurrences         *prometheus.GaugeVec
	Fetches             *prometheus.CounterVec
	InFlight            prometheus.Gauge
}

// NewMetrics creates and registers all collectors on registry. A nil
// registry gets a fresh one with the Go and process collectors.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		MaterializeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calmat_materialize_requests_total",
				Help: "Total number of materialization requests",
			},
			[]string{"source", "status"},
		),
		MaterializeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calmat_materialize_duration_seconds",
				Help:    "Duration of fetch plus materialization",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		Occurrences: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "calmat_occurrences",
				Help: "Number of occurrences in the latest result",
			},
			[]string{"source"},
		),
		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calmat_fetch_total",
				Help: "Calendar fetches by outcome",
			},
			[]string{"source", "outcome"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "calmat_requests_in_flight",
				Help: "Materialization requests queued or running",
			},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMaterialize records one finished request.
func (m *Metrics) ObserveMaterialize(source string, d time.Duration, occurrences int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MaterializeRequests.WithLabelValues(source, status).Inc()
	m.MaterializeDuration.WithLabelValues(source).Observe(d.Seconds())
	if err == nil {
		m.Occurrences.WithLabelValues(source).Set(float64(occurrences))
	}
}

// ObserveFetch records a fetch outcome.
func (m *Metrics) ObserveFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(source, outcome).Inc()
}

// AddInFlight moves the in-flight gauge by delta.
func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
