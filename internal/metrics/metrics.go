// Package metrics exposes Prometheus instrumentation for the workflow engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the engine's Prometheus instruments behind one registry.
type Collector struct {
	registry *prometheus.Registry

	StageAttempts   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	ItemTransitions *prometheus.CounterVec
	ActiveItems     prometheus.Gauge
	EventsPublished prometheus.Counter
}

// NewCollector constructs a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		StageAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkforge",
			Name:      "stage_attempts_total",
			Help:      "Stage attempts by stage name and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkforge",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2.5, 12),
		}, []string{"stage"}),
		ItemTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkforge",
			Name:      "item_transitions_total",
			Help:      "Item status transitions by resulting status.",
		}, []string{"status"}),
		ActiveItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkforge",
			Name:      "active_items",
			Help:      "Items currently pending, running, or awaiting review.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "checkforge",
			Name:      "progress_events_published_total",
			Help:      "Progress events handed to the broadcaster.",
		}),
	}
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
