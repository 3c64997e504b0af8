// Package metrics exposes plugin execution counters for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "warden"

// run results
const (
	ResultOK           = "ok"
	ResultFailed       = "failed"
	ResultTimeout      = "timeout"
	ResultStopped      = "stopped"
	ResultTooManyFails = "too_many_failures"
)

type Metrics struct {
	registry *prometheus.Registry

	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	workers  prometheus.Gauge
	entries  *prometheus.GaugeVec
	ticks    prometheus.Counter
}

// New creates the collectors in a private registry, including the go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "plugin",
				Name:      "runs_total",
				Help:      "Counter of plugin executions by result.",
			}, []string{"exec", "result"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "plugin",
				Name:      "run_seconds",
				Help:      "Bucketed histogram of plugin execution time.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
			}, []string{"exec"}),
		workers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "plugin",
				Name:      "async_workers",
				Help:      "Number of running background workers.",
			}),
		entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "plugin",
				Name:      "entries",
				Help:      "Number of managed plugin entries.",
			}, []string{"exec"}),
		ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "ticks_total",
				Help:      "Counter of collection ticks.",
			}),
	}
	m.registry.MustRegister(m.runs)
	m.registry.MustRegister(m.duration)
	m.registry.MustRegister(m.workers)
	m.registry.MustRegister(m.entries)
	m.registry.MustRegister(m.ticks)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) ObserveRun(exec, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(exec, result).Inc()
	if result == ResultOK {
		m.duration.WithLabelValues(exec).Observe(d.Seconds())
	}
}

func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
}

func (m *Metrics) SetEntries(exec string, n int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(exec).Set(float64(n))
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// Gatherer returns the registry, nil for a nil Metrics
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
