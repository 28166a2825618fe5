package nestjarserve

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides low-cardinality Prometheus metrics for the HTTP surface and the
// class path.
//
// Per-archive series are labeled only by root archive name, which is bounded by
// the configured class path. Metrics MUST NOT be labeled by nested archive name,
// entry name, status code or full request path.
type Metrics struct {
	classPathJSONRequestsTotal   prometheus.Counter
	classPathJSONRequestDuration prometheus.Histogram

	archiveRequestsTotal   *prometheus.CounterVec
	archiveRequestDuration *prometheus.HistogramVec

	classPathRoots           prometheus.Gauge
	classPathNested          prometheus.Gauge
	classPathSkipped         prometheus.Gauge
	classPathRefreshFailures prometheus.Counter
}

// NewMetrics constructs and registers the service's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		classPathJSONRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar_serve",
			Subsystem: "http",
			Name:      "classpath_json_requests_total",
			Help:      "Total number of /classpath.json requests.",
		}),
		classPathJSONRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nestjar_serve",
			Subsystem: "http",
			Name:      "classpath_json_request_duration_seconds",
			Help:      "Duration of /classpath.json requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		archiveRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nestjar_serve",
			Subsystem: "http",
			Name:      "archive_requests_total",
			Help:      "Total number of requests under /<root>/... aggregated by root archive.",
		}, []string{"root"}),
		archiveRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nestjar_serve",
			Subsystem: "http",
			Name:      "archive_request_duration_seconds",
			Help:      "Duration of requests under /<root>/... in seconds aggregated by root archive.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"root"}),

		classPathRoots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nestjar_serve",
			Name:      "classpath_roots",
			Help:      "Number of root archives expanded from the class path.",
		}),
		classPathNested: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nestjar_serve",
			Name:      "classpath_nested_archives",
			Help:      "Number of nested archives discovered across all root archives.",
		}),
		classPathSkipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nestjar_serve",
			Name:      "classpath_skipped",
			Help:      "Number of class path elements that were not expanded.",
		}),
		classPathRefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar_serve",
			Name:      "classpath_refresh_failures_total",
			Help:      "Total number of class path refreshes that kept the previous snapshot.",
		}),
	}

	reg.MustRegister(
		m.classPathJSONRequestsTotal,
		m.classPathJSONRequestDuration,
		m.archiveRequestsTotal,
		m.archiveRequestDuration,
		m.classPathRoots,
		m.classPathNested,
		m.classPathSkipped,
		m.classPathRefreshFailures,
	)

	return m
}

func (m *Metrics) ObserveClassPathJSONRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.classPathJSONRequestsTotal.Inc()
	m.classPathJSONRequestDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveArchiveRequest(root string, d time.Duration) {
	if m == nil {
		return
	}
	m.archiveRequestsTotal.WithLabelValues(root).Inc()
	m.archiveRequestDuration.WithLabelValues(root).Observe(d.Seconds())
}

func (m *Metrics) SetClassPath(roots, nested, skipped int) {
	if m == nil {
		return
	}
	m.classPathRoots.Set(float64(roots))
	m.classPathNested.Set(float64(nested))
	m.classPathSkipped.Set(float64(skipped))
}

func (m *Metrics) IncClassPathRefreshFailures() {
	if m == nil {
		return
	}
	m.classPathRefreshFailures.Inc()
}
