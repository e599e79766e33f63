// Package telemetry exposes Prometheus metrics for importer runs and the
// requests they make against the metadata API.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/mechanisms"
)

const namespace = "mechsync"

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	records     *prometheus.GaugeVec
	running     prometheus.Gauge
	lastSuccess prometheus.Gauge
	feedRecords prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhis_requests_total",
			Help:      "Metadata API request attempts, retries included.",
		}, []string{"method", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhis_request_errors_total",
			Help:      "Metadata API attempts that failed, by kind.",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed sync runs by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_records",
			Help:      "Record counts of the most recent run.",
		}, []string{"outcome"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a sync run is executing.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Finish time of the last successful run.",
		}),
		feedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_lines",
			Help:      "Lines read from the feed by the most recent run.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.failures, m.runs, m.runDuration,
		m.records, m.running, m.lastSuccess, m.feedRecords,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

var _ dhis.Observer = (*Metrics)(nil)

// ObserveRequest counts one attempt. A zero status means the request never
// got a response.
func (m *Metrics) ObserveRequest(method string, status int, err error) {
	label := "none"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(method, label).Inc()
	if err == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, dhis.ErrUnauthorized):
		kind = "unauthorized"
	case errors.Is(err, dhis.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, dhis.ErrTransient):
		kind = "transient"
	case errors.Is(err, dhis.ErrMalformedResponse):
		kind = "malformed"
	case status == 0:
		kind = "connection"
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RunStarted() {
	m.running.Set(1)
}

// RunFinished records the outcome of one run. summary may be nil when the
// run failed before the engine started.
func (m *Metrics) RunFinished(status string, summary *mechanisms.Summary) {
	m.running.Set(0)
	m.runs.WithLabelValues(status).Inc()
	if summary == nil {
		return
	}
	if !summary.Finished.IsZero() && !summary.Started.IsZero() {
		m.runDuration.Observe(summary.Finished.Sub(summary.Started).Seconds())
	}
	m.feedRecords.Set(float64(summary.Lines))
	m.records.WithLabelValues("processed").Set(float64(summary.Processed))
	m.records.WithLabelValues("skipped").Set(float64(summary.Skipped))
	m.records.WithLabelValues("discarded").Set(float64(summary.Discarded))
	m.records.WithLabelValues("inconsistent").Set(float64(summary.Inconsistencies))
	if status == "succeeded" && !summary.Finished.IsZero() {
		m.lastSuccess.Set(float64(summary.Finished.Unix()))
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
