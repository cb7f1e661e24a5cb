package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jonwraymond/llmguard/llm"
)

func newTestMetrics(t *testing.T) (*metricsImpl, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

// counterValue sums all data points of an int64 counter.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	found := findMetric(rm, name)
	if found == nil {
		return 0
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, found.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func attrString(set attribute.Set, key string) string {
	v, ok := set.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return v.AsString()
}

// TestMetrics_TotalCounterIncrements verifies llm.calls.total is incremented.
func TestMetrics_TotalCounterIncrements(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordCall(context.Background(), CallMeta{Operation: "generate", Model: "m"}, 100*time.Millisecond, nil)

	rm := collect(t, reader)
	if findMetric(rm, "llm.calls.total") == nil {
		t.Fatal("llm.calls.total metric not found")
	}
	if got := counterValue(t, rm, "llm.calls.total"); got != 1 {
		t.Errorf("llm.calls.total = %d, want 1", got)
	}
}

// TestMetrics_ErrorCounterOnSuccess verifies errors counter is not incremented on success.
func TestMetrics_ErrorCounterOnSuccess(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordCall(context.Background(), CallMeta{Operation: "chat"}, 50*time.Millisecond, nil)

	if got := counterValue(t, collect(t, reader), "llm.calls.errors"); got != 0 {
		t.Errorf("llm.calls.errors = %d, want 0", got)
	}
}

// TestMetrics_ErrorCounterByKind verifies failures are counted with their kind.
func TestMetrics_ErrorCounterByKind(t *testing.T) {
	m, reader := newTestMetrics(t)

	meta := CallMeta{Operation: "complete", Model: "m", Attempt: 1}
	m.RecordCall(context.Background(), meta, 50*time.Millisecond, &llm.StatusError{StatusCode: 429})

	rm := collect(t, reader)
	found := findMetric(rm, "llm.calls.errors")
	if found == nil {
		t.Fatal("llm.calls.errors metric not found")
	}

	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", found.Data)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(sum.DataPoints))
	}

	dp := sum.DataPoints[0]
	if dp.Value != 1 {
		t.Errorf("errors count = %d, want 1", dp.Value)
	}
	if got := attrString(dp.Attributes, "llm.error_kind"); got != "rate_limited" {
		t.Errorf("llm.error_kind = %q, want %q", got, "rate_limited")
	}
}

// TestMetrics_DurationHistogramRecords verifies duration is recorded.
func TestMetrics_DurationHistogramRecords(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordCall(context.Background(), CallMeta{Operation: "generate"}, 50*time.Millisecond, nil)

	rm := collect(t, reader)
	found := findMetric(rm, "llm.calls.duration_ms")
	if found == nil {
		t.Fatal("llm.calls.duration_ms metric not found")
	}

	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", found.Data)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if dp := hist.DataPoints[0]; dp.Sum != 50 {
		t.Errorf("duration sum = %f, want 50", dp.Sum)
	}
}

// TestMetrics_LabelsApplied verifies labels carry operation and model only.
func TestMetrics_LabelsApplied(t *testing.T) {
	m, reader := newTestMetrics(t)

	meta := CallMeta{
		Operation: "chat",
		Model:     "gpt-4o",
		RequestID: "req-unique",
		Attempt:   2,
	}
	m.RecordCall(context.Background(), meta, 10*time.Millisecond, nil)

	found := findMetric(collect(t, reader), "llm.calls.total")
	if found == nil {
		t.Fatal("llm.calls.total metric not found")
	}

	sum := found.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}

	attrs := sum.DataPoints[0].Attributes
	if got := attrString(attrs, "llm.operation"); got != "chat" {
		t.Errorf("llm.operation = %q, want %q", got, "chat")
	}
	if got := attrString(attrs, "llm.model"); got != "gpt-4o" {
		t.Errorf("llm.model = %q, want %q", got, "gpt-4o")
	}
	// Request IDs are unbounded and must not become metric labels.
	if attrs.HasValue("llm.request_id") {
		t.Error("llm.request_id must not be a metric attribute")
	}
}

// TestMetrics_CacheLookups verifies hits and misses land on separate counters.
func TestMetrics_CacheLookups(t *testing.T) {
	m, reader := newTestMetrics(t)
	meta := CallMeta{Operation: "generate"}

	m.RecordCacheLookup(context.Background(), meta, true)
	m.RecordCacheLookup(context.Background(), meta, true)
	m.RecordCacheLookup(context.Background(), meta, false)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "llm.cache.hits"); got != 2 {
		t.Errorf("llm.cache.hits = %d, want 2", got)
	}
	if got := counterValue(t, rm, "llm.cache.misses"); got != 1 {
		t.Errorf("llm.cache.misses = %d, want 1", got)
	}
}

// TestMetrics_Retries verifies retries are counted by kind.
func TestMetrics_Retries(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordRetry(context.Background(), CallMeta{Operation: "generate"}, llm.KindTimeout)

	found := findMetric(collect(t, reader), "llm.retries")
	if found == nil {
		t.Fatal("llm.retries metric not found")
	}
	dp := found.Data.(metricdata.Sum[int64]).DataPoints[0]
	if dp.Value != 1 {
		t.Errorf("llm.retries = %d, want 1", dp.Value)
	}
	if got := attrString(dp.Attributes, "llm.error_kind"); got != "timeout" {
		t.Errorf("llm.error_kind = %q, want %q", got, "timeout")
	}
}

// TestMetrics_BreakerTransitions verifies transitions carry from/to states.
func TestMetrics_BreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordBreakerTransition(context.Background(), "closed", "open")

	found := findMetric(collect(t, reader), "llm.breaker.transitions")
	if found == nil {
		t.Fatal("llm.breaker.transitions metric not found")
	}
	dp := found.Data.(metricdata.Sum[int64]).DataPoints[0]
	if got := attrString(dp.Attributes, "breaker.from"); got != "closed" {
		t.Errorf("breaker.from = %q, want %q", got, "closed")
	}
	if got := attrString(dp.Attributes, "breaker.to"); got != "open" {
		t.Errorf("breaker.to = %q, want %q", got, "open")
	}
}

// TestMetrics_ConcurrentRecording verifies thread safety.
func TestMetrics_ConcurrentRecording(t *testing.T) {
	m, reader := newTestMetrics(t)

	meta := CallMeta{Operation: "batch"}
	const numGoroutines = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			m.RecordCall(context.Background(), meta, time.Millisecond, nil)
		}()
	}

	wg.Wait()

	if got := counterValue(t, collect(t, reader), "llm.calls.total"); got != numGoroutines {
		t.Errorf("llm.calls.total = %d, want %d", got, numGoroutines)
	}
}

// TestNopMetrics verifies the no-op implementation accepts every call.
func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	ctx := context.Background()
	m.RecordCall(ctx, CallMeta{}, time.Second, errors.New("x"))
	m.RecordCacheLookup(ctx, CallMeta{}, true)
	m.RecordRetry(ctx, CallMeta{}, llm.KindRateLimited)
	m.RecordBreakerTransition(ctx, "open", "half_open")
}

// findMetric searches for a metric by name in ResourceMetrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}
