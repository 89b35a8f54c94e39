package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestBackendDurationBuckets(t *testing.T) {
	obs := BackendDuration.WithLabelValues("metrics-test", "vision")
	obs.Observe(0.2)
	obs.Observe(3)
	obs.Observe(40)

	m, ok := obs.(prometheus.Metric)
	if !ok {
		t.Fatal("histogram observer does not implement prometheus.Metric")
	}
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatal(err)
	}
	h := out.GetHistogram()
	if h.GetSampleCount() != 3 {
		t.Fatalf("sample count = %d, want 3", h.GetSampleCount())
	}
	for _, b := range h.GetBucket() {
		switch b.GetUpperBound() {
		case 0.25:
			if b.GetCumulativeCount() != 1 {
				t.Errorf("le=0.25 count = %d, want 1", b.GetCumulativeCount())
			}
		case 30:
			if b.GetCumulativeCount() != 2 {
				t.Errorf("le=30 count = %d, want 2", b.GetCumulativeCount())
			}
		}
	}
}

func TestRegisteredOnDefaultRegistry(t *testing.T) {
	BackendRequests.WithLabelValues("metrics-test", "vision", "success").Inc()
	CacheLookups.WithLabelValues("vision", "hit").Inc()
	HTTPRequests.WithLabelValues("/health", "200").Inc()
	BackendDuration.WithLabelValues("metrics-test", "generative").Observe(1)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]dto.MetricType{}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "visao_") {
			found[f.GetName()] = f.GetType()
		}
	}
	want := map[string]dto.MetricType{
		"visao_backend_requests_total":   dto.MetricType_COUNTER,
		"visao_backend_duration_seconds": dto.MetricType_HISTOGRAM,
		"visao_cache_lookups_total":      dto.MetricType_COUNTER,
		"visao_cache_entries":            dto.MetricType_GAUGE,
		"visao_http_requests_total":      dto.MetricType_COUNTER,
	}
	for name, typ := range want {
		got, ok := found[name]
		if !ok {
			t.Errorf("%s not registered", name)
			continue
		}
		if got != typ {
			t.Errorf("%s type = %v, want %v", name, got, typ)
		}
	}
}
