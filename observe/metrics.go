package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonwraymond/llmguard/llm"
)

// Metrics records client metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordCall records a finished call with duration and error status.
	RecordCall(ctx context.Context, meta CallMeta, duration time.Duration, err error)

	// RecordCacheLookup records a response cache hit or miss.
	RecordCacheLookup(ctx context.Context, meta CallMeta, hit bool)

	// RecordRetry records a retry scheduled after a classified failure.
	RecordRetry(ctx context.Context, meta CallMeta, kind llm.ErrorKind)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, from, to string)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	meter        metric.Meter
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	retries      metric.Int64Counter
	transitions  metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	totalCount, err := meter.Int64Counter(
		"llm.calls.total",
		metric.WithDescription("Total number of client calls and remote attempts"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"llm.calls.errors",
		metric.WithDescription("Total number of failed calls, by error kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"llm.calls.duration_ms",
		metric.WithDescription("Call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"llm.cache.hits",
		metric.WithDescription("Response cache hits"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"llm.cache.misses",
		metric.WithDescription("Response cache misses"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"llm.retries",
		metric.WithDescription("Retries scheduled, by error kind"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"llm.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		meter:        meter,
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
		retries:      retries,
		transitions:  transitions,
	}, nil
}

// RecordCall records metrics for a finished call.
func (m *metricsImpl) RecordCall(ctx context.Context, meta CallMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)

	// Always increment total counter
	m.totalCount.Add(ctx, 1, opt)

	// Increment error counter on failure
	if err != nil {
		attrs := append(meta.attributes(), attribute.String("llm.error_kind", llm.Classify(err).String()))
		m.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	// Record duration in milliseconds
	durationMs := float64(duration.Milliseconds())
	m.durationHist.Record(ctx, durationMs, opt)
}

// RecordCacheLookup records a cache hit or miss.
func (m *metricsImpl) RecordCacheLookup(ctx context.Context, meta CallMeta, hit bool) {
	opt := metric.WithAttributes(meta.attributes()...)
	if hit {
		m.cacheHits.Add(ctx, 1, opt)
	} else {
		m.cacheMisses.Add(ctx, 1, opt)
	}
}

// RecordRetry records a scheduled retry.
func (m *metricsImpl) RecordRetry(ctx context.Context, meta CallMeta, kind llm.ErrorKind) {
	attrs := append(meta.attributes(), attribute.String("llm.error_kind", kind.String()))
	m.retries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBreakerTransition records a breaker state change.
func (m *metricsImpl) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.from", from),
		attribute.String("breaker.to", to),
	))
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *noopMetrics) RecordCall(ctx context.Context, meta CallMeta, duration time.Duration, err error) {
}

func (m *noopMetrics) RecordCacheLookup(ctx context.Context, meta CallMeta, hit bool) {}

func (m *noopMetrics) RecordRetry(ctx context.Context, meta CallMeta, kind llm.ErrorKind) {}

func (m *noopMetrics) RecordBreakerTransition(ctx context.Context, from, to string) {}
