package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/MrEthical07/authflow"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot authflow.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() authflow.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := authflow.MetricsSnapshot{
		Counters:   make(map[authflow.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[authflow.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

// int64Value returns the data point of name whose attributes include every
// key/value pair in attrs.
func int64Value(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			var points []metricdata.DataPoint[int64]
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				points = data.DataPoints
			case metricdata.Gauge[int64]:
				points = data.DataPoints
			default:
				t.Fatalf("metric %s has unexpected data %T", name, m.Data)
			}
			for _, dp := range points {
				if hasAttributes(dp.Attributes, attrs) {
					return dp.Value
				}
			}
			t.Fatalf("metric %s has no point with %v", name, attrs)
		}
	}
	t.Fatalf("metric %s not collected", name)
	return 0
}

func hasAttributes(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters: map[authflow.MetricID]uint64{
				authflow.MetricSignInSuccess:        3,
				authflow.MetricRefreshReuseDetected: 1,
			},
			Histograms: map[authflow.MetricID][]uint64{
				authflow.MetricAuthenticateLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 4,
	}

	exp, err := NewExporterFromSource(provider.Meter("authflow-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	rm := collect(t, reader)
	if got := int64Value(t, rm, "authflow_signin_success_total"); got != 3 {
		t.Fatalf("signin success = %d, want 3", got)
	}
	if got := int64Value(t, rm, "authflow_refresh_reuse_detected_total"); got != 1 {
		t.Fatalf("reuse = %d, want 1", got)
	}
	buckets := "authflow_authenticate_latency_seconds_bucket"
	if got := int64Value(t, rm, buckets, attribute.String("le", "0.025")); got != 3 {
		t.Fatalf("le=0.025 bucket = %d, want 3", got)
	}
	if got := int64Value(t, rm, buckets, attribute.String("le", "+Inf")); got != 8 {
		t.Fatalf("le=+Inf bucket = %d, want 8", got)
	}
	if got := int64Value(t, rm, "authflow_authenticate_latency_seconds_count"); got != 8 {
		t.Fatalf("histogram count = %d, want 8", got)
	}
	if got := int64Value(t, rm, "authflow_audit_dropped_total"); got != 4 {
		t.Fatalf("audit dropped = %d, want 4", got)
	}
}

type typedDropSource struct {
	*fakeSource
	byType map[string]uint64
}

func (s typedDropSource) AuditDroppedByType() map[string]uint64 { return s.byType }

func TestExporterAttributesAuditDropsByEventType(t *testing.T) {
	reader, provider := newMeter()
	src := typedDropSource{
		fakeSource: &fakeSource{dropped: 5},
		byType: map[string]uint64{
			"signin_success":         3,
			"refresh_reuse_detected": 2,
		},
	}
	exp, err := NewExporterFromSource(provider.Meter("authflow-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource: %v", err)
	}
	defer exp.Close()

	rm := collect(t, reader)
	name := "authflow_audit_dropped_total"
	if got := int64Value(t, rm, name, attribute.String("event_type", "signin_success")); got != 3 {
		t.Fatalf("signin_success drops = %d, want 3", got)
	}
	if got := int64Value(t, rm, name, attribute.String("event_type", "refresh_reuse_detected")); got != 2 {
		t.Fatalf("reuse drops = %d, want 2", got)
	}
}

func TestExporterFallsBackToDropTotal(t *testing.T) {
	reader, provider := newMeter()
	src := typedDropSource{fakeSource: &fakeSource{dropped: 7}}
	exp, err := NewExporterFromSource(provider.Meter("authflow-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource: %v", err)
	}
	defer exp.Close()

	if got := int64Value(t, collect(t, reader), "authflow_audit_dropped_total"); got != 7 {
		t.Fatalf("audit dropped = %d, want 7", got)
	}
}

func TestExporterRejectsNilInputs(t *testing.T) {
	_, provider := newMeter()
	if _, err := NewExporterFromSource(provider.Meter("authflow-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewExporter(provider.Meter("authflow-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource for nil engine, got %v", err)
	}
	if _, err := NewExporterFromSource(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters: map[authflow.MetricID]uint64{
				authflow.MetricAuthenticateSuccess: 1,
			},
			Histograms: map[authflow.MetricID][]uint64{
				authflow.MetricAuthenticateLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewExporterFromSource(provider.Meter("authflow-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[authflow.MetricAuthenticateSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
