package authflow

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricSignInSuccess)

	if got := m.Value(MetricSignInSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricSignInSuccess)
	m.Inc(MetricSignInSuccess)
	m.Inc(MetricSignInSuccess)

	if got := m.Value(MetricSignInSuccess); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricRefreshSuccess)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricRefreshSuccess); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricAuthenticateLatency, d)
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricAuthenticateLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotConsistency(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(MetricSignInSuccess)
	m.Inc(MetricSignInFailure)
	m.Inc(MetricSignInFailure)
	m.Observe(MetricAuthenticateLatency, 2*time.Millisecond)

	snap := m.Snapshot()

	if snap.Counters[MetricSignInSuccess] != 1 {
		t.Fatalf("expected MetricSignInSuccess=1 got %d", snap.Counters[MetricSignInSuccess])
	}
	if snap.Counters[MetricSignInFailure] != 2 {
		t.Fatalf("expected MetricSignInFailure=2 got %d", snap.Counters[MetricSignInFailure])
	}
	if len(snap.Histograms[MetricAuthenticateLatency]) != 8 {
		t.Fatalf("expected histogram length 8")
	}
	if snap.Histograms[MetricAuthenticateLatency][0] != 1 {
		t.Fatalf("expected first histogram bucket=1 got %d", snap.Histograms[MetricAuthenticateLatency][0])
	}
}

func TestMetricsHistogramOnlyForAuthenticate(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricRefreshSuccess, time.Millisecond)

	snap := m.Snapshot()
	if _, ok := snap.Histograms[MetricRefreshSuccess]; ok {
		t.Fatal("unexpected histogram for a counter metric")
	}
	for i, v := range snap.Histograms[MetricAuthenticateLatency] {
		if v != 0 {
			t.Fatalf("bucket %d expected 0, got %d", i, v)
		}
	}
}

func TestMetricsLatencyRequiresEnabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false, EnableLatencyHistograms: true})
	if m.LatencyEnabled() {
		t.Fatal("latency histograms must be off when metrics are off")
	}
	var nilMetrics *Metrics
	nilMetrics.Inc(MetricSignInSuccess)
	if nilMetrics.Value(MetricSignInSuccess) != 0 {
		t.Fatal("nil metrics must read zero")
	}
}

func TestAuthenticateRecordsLatency(t *testing.T) {
	env := newTestEnvWith(t, func(b *Builder) { b.WithLatencyHistograms(true) })
	ctx := context.Background()
	env.register(t, "alice@example.com")
	pair := env.signIn(t, "alice@example.com")

	for i := 0; i < 3; i++ {
		if _, err := env.engine.Authenticate(ctx, pair.AccessToken); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}
	_, _ = env.engine.Authenticate(ctx, "garbage")

	snap := env.engine.MetricsSnapshot()
	var total uint64
	for _, v := range snap.Histograms[MetricAuthenticateLatency] {
		total += v
	}
	if total != 4 {
		t.Fatalf("expected 4 observations, got %d", total)
	}
	if snap.Counters[MetricAuthenticateSuccess] != 3 || snap.Counters[MetricAuthenticateFailure] != 1 {
		t.Fatalf("unexpected counters: success=%d failure=%d",
			snap.Counters[MetricAuthenticateSuccess], snap.Counters[MetricAuthenticateFailure])
	}
}

func TestSignInFlowMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "alice@example.com")
	env.signIn(t, "alice@example.com")
	_, _ = env.engine.SignIn(ctx, "alice@example.com", "wrong-password-1")
	env.enableTOTP(t, id)
	if _, err := env.engine.SignIn(ctx, "alice@example.com", testPassword); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	checks := map[MetricID]uint64{
		MetricAccountCreated:          1,
		MetricSignInSuccess:           1,
		MetricSignInFailure:           1,
		MetricMFAEnabled:              1,
		MetricMFARequired:             1,
		MetricRecoveryCodeRegenerated: 1,
	}
	for id, want := range checks {
		if got := env.metric(id); got != want {
			t.Fatalf("metric %d: expected %d, got %d", id, want, got)
		}
	}
}
