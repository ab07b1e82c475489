// Package metrics holds the Prometheus collectors for workers and pools.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resqued"

// Metrics holds Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	JobsRetried    *prometheus.CounterVec
	JobsDead       *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	WorkersBusy    *prometheus.GaugeVec
	WorkerRestarts *prometheus.CounterVec
	Workers        prometheus.Gauge
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs performed successfully",
		}, []string{"queue", "class"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed job attempts",
		}, []string{"queue", "class"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of jobs requeued for another attempt",
		}, []string{"queue"}),
		JobsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_total",
			Help:      "Total number of jobs moved to the dead letter",
		}, []string{"queue"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Histogram of job perform latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		WorkersBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Current number of workers running a job",
		}, []string{"queue"}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of crashed workers replaced by the pool monitor",
		}, []string{"queue"}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Current number of live workers",
		}),
	}

	m.registry.MustRegister(
		m.JobsProcessed,
		m.JobsFailed,
		m.JobsRetried,
		m.JobsDead,
		m.JobDuration,
		m.WorkersBusy,
		m.WorkerRestarts,
		m.Workers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted(queue string) {
	if m == nil {
		return
	}
	m.WorkersBusy.WithLabelValues(queue).Inc()
}

func (m *Metrics) JobFinished(queue, class string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.WorkersBusy.WithLabelValues(queue).Dec()
	m.JobDuration.WithLabelValues(queue).Observe(took.Seconds())
	if err != nil {
		m.JobsFailed.WithLabelValues(queue, class).Inc()
		return
	}
	m.JobsProcessed.WithLabelValues(queue, class).Inc()
}

func (m *Metrics) JobRetried(queue string) {
	if m == nil {
		return
	}
	m.JobsRetried.WithLabelValues(queue).Inc()
}

func (m *Metrics) JobDead(queue string) {
	if m == nil {
		return
	}
	m.JobsDead.WithLabelValues(queue).Inc()
}

func (m *Metrics) WorkerRestarted(queue string) {
	if m == nil {
		return
	}
	m.WorkerRestarts.WithLabelValues(queue).Inc()
}

// WorkersChanged adjusts the live worker gauge by delta
func (m *Metrics) WorkersChanged(delta int) {
	if m == nil {
		return
	}
	m.Workers.Add(float64(delta))
}
