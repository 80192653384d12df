package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus publishes keyed counters and gauges on a private registry.
type Prometheus struct {
	registry *prometheus.Registry
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

// NewPrometheus registers the keyed vectors plus the Go and process
// collectors under namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "tickrelay"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Prometheus{
		registry: reg,
		counters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Monotonic counters keyed by component metric name",
			},
			[]string{"key"},
		),
		gauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gauge",
				Help:      "Point-in-time values keyed by component metric name",
			},
			[]string{"key"},
		),
	}
}

// Add implements Metrics.
func (p *Prometheus) Add(key string, delta uint64) {
	if p == nil || key == "" {
		return
	}
	p.counters.WithLabelValues(key).Add(float64(delta))
}

// Store implements Metrics.
func (p *Prometheus) Store(key string, value uint64) {
	if p == nil || key == "" {
		return
	}
	p.gauges.WithLabelValues(key).Set(float64(value))
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
