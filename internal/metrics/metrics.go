// Package metrics exposes the service's Prometheus instruments on a
// dedicated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instruments.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobsRunning   prometheus.Gauge
	DownloadBytes prometheus.Counter
	JobDuration   prometheus.Histogram
}

// New creates the registry and registers all instruments plus the standard
// Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Jobs accepted by the submit endpoint.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs reaching a terminal state, by state.",
		}, []string{"state"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently executing.",
		}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes downloaded across all jobs.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nimbus",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Wall time of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.JobsSubmitted,
		m.JobsFinished,
		m.JobsRunning,
		m.DownloadBytes,
		m.JobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
