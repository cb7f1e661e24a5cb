package observe

import (
	"context"
	"time"

	"github.com/jonwraymond/llmguard/llm"
)

// Middleware wraps calls with observability (tracing, metrics, logging).
//
// Contract:
//   - Concurrency: Wrap and WrapCompleter return thread-safe functions.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from wrapped functions are recorded and propagated unchanged.
//   - Ownership: Requests and completions are passed through without modification.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware with the given observability
// components. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = newNoopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// NopMiddleware returns a Middleware that records nothing.
func NopMiddleware() *Middleware {
	return NewMiddleware(nil, nil, nil)
}

// Tracer returns the middleware's tracer.
func (m *Middleware) Tracer() Tracer { return m.tracer }

// Metrics returns the middleware's metrics.
func (m *Middleware) Metrics() Metrics { return m.metrics }

// Logger returns the middleware's logger.
func (m *Middleware) Logger() Logger { return m.logger }

// Run executes fn inside a span for meta, then records metrics and a log
// line for the outcome.
func (m *Middleware) Run(ctx context.Context, meta CallMeta, fn func(ctx context.Context) error) error {
	// Start span
	ctx, span := m.tracer.StartSpan(ctx, meta)

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	// End span (records error status if err != nil)
	m.tracer.EndSpan(span, err)

	// Record metrics
	m.metrics.RecordCall(ctx, meta, duration, err)

	// Log the execution
	callLogger := m.logger.WithCall(meta)
	fields := []Field{
		{Key: "duration_ms", Value: float64(duration.Milliseconds())},
	}

	if err != nil {
		fields = append(fields,
			Field{Key: "error", Value: err.Error()},
			Field{Key: "error_kind", Value: llm.Classify(err).String()},
		)
		callLogger.Warn(ctx, "call failed", fields...)
	} else {
		callLogger.Debug(ctx, "call completed", fields...)
	}

	return err
}

// WrapCompleter instruments every remote attempt made through next.
// meta derives the call metadata from the attempt's context and request.
func (m *Middleware) WrapCompleter(next llm.Completer, meta func(ctx context.Context, req llm.Request) CallMeta) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, req llm.Request) (llm.Completion, error) {
		cm := CallMeta{Operation: "complete", Model: req.Model}
		if meta != nil {
			cm = meta(ctx, req)
		}

		var out llm.Completion
		err := m.Run(ctx, cm, func(ctx context.Context) error {
			var err error
			out, err = next.Complete(ctx, req)
			return err
		})
		return out, err
	})
}

// MiddlewareFromObserver creates a Middleware from an Observer.
// This is a convenience function for common use cases.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := newMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
