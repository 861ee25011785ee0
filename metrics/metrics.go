// Package metrics provides Prometheus metrics export for the generation
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exports generation metrics in Prometheus format. It satisfies
// the orchestrator's metrics recorder interface.
type Exporter struct {
	registry *prometheus.Registry

	generationsTotal  *prometheus.CounterVec
	generationSeconds prometheus.Histogram
	activeGenerations prometheus.Gauge
	tokensTotal       *prometheus.CounterVec
	permissions       *prometheus.CounterVec
	searches          *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for the generation latency histogram (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}
}

// NewExporter creates and registers the generation metrics.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flux",
			Subsystem: "chat",
			Name:      "generations_total",
			Help:      "Total number of finished generations by outcome",
		},
		[]string{"outcome"},
	)

	e.generationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flux",
			Subsystem: "chat",
			Name:      "generation_seconds",
			Help:      "Wall-clock generation duration in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	e.activeGenerations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flux",
			Subsystem: "chat",
			Name:      "generations_active",
			Help:      "Number of in-flight generations",
		},
	)

	e.tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flux",
			Subsystem: "chat",
			Name:      "tokens_total",
			Help:      "Total tokens by type",
		},
		[]string{"type"},
	)

	e.permissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flux",
			Subsystem: "chat",
			Name:      "permission_resolutions_total",
			Help:      "Permission resolutions by decision",
		},
		[]string{"decision"},
	)

	e.searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flux",
			Subsystem: "chat",
			Name:      "searches_total",
			Help:      "Search augmentations by status",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		e.generationsTotal,
		e.generationSeconds,
		e.activeGenerations,
		e.tokensTotal,
		e.permissions,
		e.searches,
	)
	return e
}

func (e *Exporter) GenerationStarted() {
	e.activeGenerations.Inc()
}

func (e *Exporter) GenerationFinished(outcome string, seconds float64, promptTokens, outputTokens int) {
	e.activeGenerations.Dec()
	e.generationsTotal.WithLabelValues(outcome).Inc()
	e.generationSeconds.Observe(seconds)
	e.tokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	e.tokensTotal.WithLabelValues("completion").Add(float64(outputTokens))
}

func (e *Exporter) PermissionResolved(granted bool) {
	decision := "denied"
	if granted {
		decision = "granted"
	}
	e.permissions.WithLabelValues(decision).Inc()
}

func (e *Exporter) SearchPerformed(ok bool) {
	status := "error"
	if ok {
		status = "ok"
	}
	e.searches.WithLabelValues(status).Inc()
}

// Handler returns the /metrics HTTP handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
