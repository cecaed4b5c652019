package mooncake

import "testing"

func TestMetricsRecordReadWrite(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordRead(65536, 100_000, true)  // 64KiB slice, 100us latency, success
	m.RecordWrite(65536, 200_000, true) // 64KiB slice, 200us latency, success
	m.RecordRead(65536, 50_000, false)  // failed read, still latency-accounted

	snap = m.Snapshot()
	if snap.ReadOps != 2 {
		t.Errorf("Expected 2 read ops, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("Expected 1 write op, got %d", snap.WriteOps)
	}
	if snap.ReadBytes != 65536 {
		t.Errorf("Expected 65536 read bytes (only the successful slice), got %d", snap.ReadBytes)
	}
	if snap.ReadErrors != 1 {
		t.Errorf("Expected 1 read error, got %d", snap.ReadErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsRecordQPDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQPDepth(4)
	m.RecordQPDepth(16)
	m.RecordQPDepth(8)

	snap := m.Snapshot()
	if snap.MaxQPDepth != 16 {
		t.Errorf("Expected MaxQPDepth=16, got %d", snap.MaxQPDepth)
	}
	expectedAvg := float64(4+16+8) / 3.0
	if snap.AvgQPDepth != expectedAvg {
		t.Errorf("Expected AvgQPDepth=%.2f, got %.2f", expectedAvg, snap.AvgQPDepth)
	}
}

func TestMetricsRecordRetry(t *testing.T) {
	m := NewMetrics()
	m.RecordRetry()
	m.RecordRetry()

	snap := m.Snapshot()
	if snap.RetryCount != 2 {
		t.Errorf("Expected RetryCount=2, got %d", snap.RetryCount)
	}
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 100; i++ {
		m.RecordRead(4096, 1_000_000, true) // 1ms, lands in the 1ms bucket
	}

	snap := m.Snapshot()
	if snap.LatencyP50Ns == 0 {
		t.Error("Expected non-zero P50 latency after recording 100 completions")
	}
	if snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 <= 1ms bucket bound, got %d", snap.LatencyP50Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(1024, 1000, true)
	m.RecordRetry()
	m.RecordQPDepth(5)

	m.Reset()

	snap := m.Snapshot()
	if snap.TotalOps != 0 || snap.RetryCount != 0 || snap.MaxQPDepth != 0 {
		t.Error("Expected Reset to zero every counter")
	}
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveRead(1024, 10_000, true)
	obs.ObserveWrite(2048, 20_000, false)
	obs.ObserveRetry()
	obs.ObserveQPDepth(12)

	snap := m.Snapshot()
	if snap.ReadOps != 1 || snap.WriteOps != 1 {
		t.Error("Expected MetricsObserver to forward read/write observations into Metrics")
	}
	if snap.WriteErrors != 1 {
		t.Error("Expected MetricsObserver to forward the failed write as an error")
	}
	if snap.RetryCount != 1 {
		t.Error("Expected MetricsObserver to forward the retry observation")
	}
	if snap.MaxQPDepth != 12 {
		t.Error("Expected MetricsObserver to forward the QP depth observation")
	}
}

func TestNoOpObserverDiscardsEverything(t *testing.T) {
	// NoOpObserver must never panic regardless of arguments; there is
	// nothing to assert beyond "this doesn't blow up".
	var o NoOpObserver
	o.ObserveRead(1, 1, true)
	o.ObserveWrite(1, 1, false)
	o.ObserveRetry()
	o.ObserveQPDepth(1)
}
