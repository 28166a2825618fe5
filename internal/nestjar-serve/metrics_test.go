package nestjarserve

import (
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_LowCardinality(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveClassPathJSONRequest(120 * time.Millisecond)
	m.ObserveArchiveRequest("app.jar", 50*time.Millisecond)
	m.ObserveArchiveRequest("lib.jar", 5*time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Per-archive series only use the `root` label.
	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_http_archive_requests_total", []string{"root"})
	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_http_archive_request_duration_seconds", []string{"root"})

	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_http_classpath_json_requests_total", nil)
	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_http_classpath_json_request_duration_seconds", nil)
}

func TestMetrics_ClassPathGauges_NoLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetClassPath(3, 7, 1)
	m.IncClassPathRefreshFailures()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_classpath_roots", nil)
	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_classpath_nested_archives", nil)
	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_classpath_skipped", nil)
	assertMetricFamilyLabelNames(t, mfs, "nestjar_serve_classpath_refresh_failures_total", nil)

	if got := testutil.ToFloat64(m.classPathNested); got != 7 {
		t.Fatalf("classpath_nested_archives = %v, want 7", got)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveClassPathJSONRequest(time.Millisecond)
	m.ObserveArchiveRequest("app.jar", time.Millisecond)
	m.SetClassPath(1, 1, 1)
	m.IncClassPathRefreshFailures()
}

func assertMetricFamilyLabelNames(t *testing.T, mfs []*dto.MetricFamily, name string, want []string) {
	t.Helper()

	var mf *dto.MetricFamily
	for _, x := range mfs {
		if x.GetName() == name {
			mf = x
			break
		}
	}
	if mf == nil {
		t.Fatalf("metric family %q not found", name)
	}
	if len(mf.Metric) == 0 {
		t.Fatalf("metric family %q has no metrics", name)
	}

	for _, m := range mf.Metric {
		got := make([]string, 0, len(m.Label))
		for _, lp := range m.Label {
			got = append(got, lp.GetName())
		}
		slices.Sort(got)
		if !slices.Equal(got, want) && (len(got) != 0 || len(want) != 0) {
			t.Fatalf("metric family %q label names = %v, want %v", name, got, want)
		}
	}
}
