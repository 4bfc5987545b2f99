// Package metrics exports the hearth counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"goflare.io/hearth/internal/models"
)

const namespace = "hearth"

// Exporter owns a registry holding one counter per models.Metrics field.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter registers the counters of m on a fresh registry.
func NewExporter(m *models.Metrics) (*Exporter, error) {
	registry := prometheus.NewRegistry()

	counters := []struct {
		subsystem string
		name      string
		help      string
		value     *atomic.Int64
	}{
		{"store", "hits_total", "Cache store reads that found a live entry.", m.Hits},
		{"store", "misses_total", "Cache store reads that found nothing.", m.Misses},
		{"store", "writes_total", "Cache store writes persisted to the medium.", m.Writes},
		{"store", "write_failures_total", "Cache store writes that were dropped.", m.WriteFailures},
		{"store", "evictions_total", "Expired or corrupted entries removed.", m.Evictions},
		{"loader", "revalidations_total", "Background revalidations started.", m.Revalidations},
		{"loader", "revalidation_updates_total", "Revalidations that stored changed data.", m.RevalidationUpdates},
		{"loader", "revalidation_failures_total", "Revalidations whose fetch failed.", m.RevalidationFailures},
		{"loader", "revalidation_skips_total", "Revalidations suppressed by an open circuit breaker.", m.RevalidationSkips},
		{"worker", "network_total", "Worker responses served from the network.", m.WorkerNetwork},
		{"worker", "cache_hits_total", "Worker responses served from the cache.", m.WorkerCacheHits},
		{"worker", "fallbacks_total", "Documents answered with the fallback document.", m.WorkerFallbacks},
		{"worker", "offline_total", "Assets answered with a synthesized offline response.", m.WorkerOffline},
		{"worker", "bypassed_total", "Requests passed through without the cache.", m.WorkerBypassed},
		{"visits", "recorded_total", "Visits appended to the log.", m.Visits},
	}

	for _, c := range counters {
		value := c.value
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: c.subsystem,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 {
			return float64(value.Load())
		})
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return &Exporter{registry: registry}, nil
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
