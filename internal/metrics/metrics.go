// Package metrics exposes Prometheus collectors for producer, dispatcher,
// and delivery activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry    *prometheus.Registry
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	deliveries  *prometheus.CounterVec
	agentCalls  *prometheus.CounterVec
	results     *prometheus.GaugeVec
}

// New creates a Metrics instance on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Scheduled job runs by outcome.",
			},
			[]string{"job", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time of scheduled job runs.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery attempts by channel and result (sent, failed).",
			},
			[]string{"channel", "result"},
		),
		agentCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_requests_total",
				Help:      "Agent invocations by result (answered, no_response, error).",
			},
			[]string{"result"},
		),
		results: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "results",
				Help:      "Stored results by status.",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(
		m.jobRuns, m.jobDuration, m.deliveries, m.agentCalls, m.results,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
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

// ObserveJob records one job run.
func (m *Metrics) ObserveJob(job, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// IncDelivery counts one delivery attempt.
func (m *Metrics) IncDelivery(channel, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
}

// IncAgentRequest counts one agent invocation.
func (m *Metrics) IncAgentRequest(result string) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(result).Inc()
}

// SetResultCounts replaces the per-status gauge values.
func (m *Metrics) SetResultCounts(counts map[string]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.results.WithLabelValues(status).Set(float64(n))
	}
}
