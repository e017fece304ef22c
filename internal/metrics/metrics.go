// Package metrics exposes optimizer counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the optimizer counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	images     *prometheus.CounterVec
	bytesSaved prometheus.Counter
	jobs       *prometheus.CounterVec
	reverts    *prometheus.CounterVec
}

// New registers the optimizer counters on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webp_optimizer_images_total",
			Help: "Images handled by optimization jobs, by result.",
		}, []string{"result"}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webp_optimizer_bytes_saved_total",
			Help: "Bytes saved by replacing originals with WebP copies.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webp_optimizer_jobs_total",
			Help: "Optimization jobs finished, by final status.",
		}, []string{"status"}),
		reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webp_optimizer_reverts_total",
			Help: "Revert and restore operations per image, by operation and result.",
		}, []string{"operation", "result"}),
	}
	m.registry.MustRegister(m.images, m.bytesSaved, m.jobs, m.reverts)
	return m
}

// ImageOptimized records a successful swap and its savings.
func (m *Metrics) ImageOptimized(saved int64) {
	if m == nil {
		return
	}
	m.images.WithLabelValues("optimized").Inc()
	if saved > 0 {
		m.bytesSaved.Add(float64(saved))
	}
}

func (m *Metrics) ImageFailed() {
	if m == nil {
		return
	}
	m.images.WithLabelValues("failed").Inc()
}

func (m *Metrics) ImageSkipped() {
	if m == nil {
		return
	}
	m.images.WithLabelValues("skipped").Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

// Revert records one per-image revert or restore attempt.
func (m *Metrics) Revert(operation string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.reverts.WithLabelValues(operation, result).Inc()
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
