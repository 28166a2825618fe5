package nestjar

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides low-cardinality Prometheus metrics for the resolution engine.
//
// Metrics MUST NOT be labeled by root path, nested archive name or entry name.
// All methods are safe on a nil receiver.
type Metrics struct {
	scansTotal        prometheus.Counter
	scanFailuresTotal prometheus.Counter
	scanDuration      prometheus.Histogram

	strategies  *prometheus.GaugeVec
	connections prometheus.Gauge

	extractionsTotal        prometheus.Counter
	extractionFailuresTotal prometheus.Counter
	extractedBytesTotal     prometheus.Counter

	entryCacheHits      prometheus.Counter
	entryCacheMisses    prometheus.Counter
	entryCacheEvictions prometheus.Counter
	entryCacheBytes     prometheus.Gauge
	entryCacheItems     prometheus.Gauge
}

// NewMetrics constructs and registers the engine's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		scansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "root_scans_total",
			Help:      "Total number of completed root archive directory scans.",
		}),
		scanFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "root_scan_failures_total",
			Help:      "Total number of failed root archive directory scans.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nestjar",
			Name:      "root_scan_duration_seconds",
			Help:      "Duration of root archive directory scans in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		strategies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nestjar",
			Name:      "nested_archives_open",
			Help:      "Number of nested archive strategies constructed, by kind.",
		}, []string{"kind"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nestjar",
			Name:      "connections_cached",
			Help:      "Number of resolved addresses held by the connection cache.",
		}),
		extractionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "extractions_total",
			Help:      "Total number of compressed nested archives extracted.",
		}),
		extractionFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "extraction_failures_total",
			Help:      "Total number of failed nested archive extractions.",
		}),
		extractedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "extracted_bytes_total",
			Help:      "Total number of bytes produced by nested archive extractions.",
		}),
		entryCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "entry_cache_hits_total",
			Help:      "Total number of inflated entry cache hits.",
		}),
		entryCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "entry_cache_misses_total",
			Help:      "Total number of inflated entry cache misses.",
		}),
		entryCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestjar",
			Name:      "entry_cache_evictions_total",
			Help:      "Total number of inflated entry cache evictions.",
		}),
		entryCacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nestjar",
			Name:      "entry_cache_bytes",
			Help:      "Current number of bytes held by the inflated entry cache.",
		}),
		entryCacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nestjar",
			Name:      "entry_cache_items",
			Help:      "Current number of entries held by the inflated entry cache.",
		}),
	}

	reg.MustRegister(
		m.scansTotal,
		m.scanFailuresTotal,
		m.scanDuration,
		m.strategies,
		m.connections,
		m.extractionsTotal,
		m.extractionFailuresTotal,
		m.extractedBytesTotal,
		m.entryCacheHits,
		m.entryCacheMisses,
		m.entryCacheEvictions,
		m.entryCacheBytes,
		m.entryCacheItems,
	)

	return m
}

func (m *Metrics) ObserveScan(seconds float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.scanFailuresTotal.Inc()
		return
	}
	m.scansTotal.Inc()
	m.scanDuration.Observe(seconds)
}

func (m *Metrics) IncStrategy(kind Kind) {
	if m == nil {
		return
	}
	m.strategies.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ObserveExtraction(n int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.extractionFailuresTotal.Inc()
		return
	}
	m.extractionsTotal.Inc()
	m.extractedBytesTotal.Add(float64(n))
}

func (m *Metrics) IncEntryCacheHits() {
	if m == nil {
		return
	}
	m.entryCacheHits.Inc()
}

func (m *Metrics) IncEntryCacheMisses() {
	if m == nil {
		return
	}
	m.entryCacheMisses.Inc()
}

func (m *Metrics) IncEntryCacheEvictions() {
	if m == nil {
		return
	}
	m.entryCacheEvictions.Inc()
}

func (m *Metrics) SetEntryCacheUsage(bytes int64, items int) {
	if m == nil {
		return
	}
	m.entryCacheBytes.Set(float64(bytes))
	m.entryCacheItems.Set(float64(items))
}
