package authcore

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsIncAndSnapshot(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricRefreshSuccess)

	if got := m.Value(MetricLoginSuccess); got != 2 {
		t.Fatalf("login success = %d, want 2", got)
	}

	snap := m.Snapshot()
	if snap.Counters[MetricLoginSuccess] != 2 || snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap.Counters)
	}
	if snap.Counters[MetricLoginFailure] != 0 {
		t.Fatalf("untouched counter = %d, want 0", snap.Counters[MetricLoginFailure])
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{})

	m.Inc(MetricLoginSuccess)
	m.Observe(MetricAuthenticateLatency, time.Millisecond)

	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("disabled counter = %d, want 0", got)
	}
	if snap := m.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("disabled snapshot has %d counters", len(snap.Counters))
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricLoginSuccess)
	if nilMetrics.Enabled() {
		t.Fatal("nil metrics must report disabled")
	}
}

func TestMetricsLatencyBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	samples := []time.Duration{
		3 * time.Millisecond,
		8 * time.Millisecond,
		40 * time.Millisecond,
		2 * time.Second,
	}
	for _, d := range samples {
		m.Observe(MetricAuthenticateLatency, d)
	}

	buckets := m.Snapshot().Histograms[MetricAuthenticateLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("bucket count = %d, want %d", len(buckets), histBucketCount)
	}

	want := map[int]uint64{0: 1, 1: 1, 3: 1, 7: 1}
	for i, count := range buckets {
		if count != want[i] {
			t.Fatalf("bucket %d = %d, want %d", i, count, want[i])
		}
	}
}

func TestMetricsConcurrentInc(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricAuthenticateSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricAuthenticateSuccess); got != workers*perWorker {
		t.Fatalf("counter = %d, want %d", got, workers*perWorker)
	}
}
