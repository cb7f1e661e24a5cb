package resilience

import (
	"context"
	"time"
)

// Executor composes the per-attempt resilience patterns around one
// operation. Retries wrap the Executor from outside, so every attempt is
// admitted, guarded and timed on its own.
type Executor struct {
	admission      *AdmissionController
	admissionWait  time.Duration
	circuitBreaker *CircuitBreaker
	timeout        *Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilience executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithAdmission gates each attempt on the admission controller, waiting at
// most wait for a slot.
func WithAdmission(a *AdmissionController, wait time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.admission = a
		e.admissionWait = wait
	}
}

// WithCircuitBreaker adds a circuit breaker to the executor.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) {
		e.circuitBreaker = cb
	}
}

// WithTimeout adds timeout to the executor.
func WithTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = NewTimeout(TimeoutConfig{Timeout: timeout})
	}
}

// Execute runs the operation through all configured resilience patterns.
//
// The execution order is:
// 1. Admission (if configured) - limits rate and concurrency
// 2. Circuit Breaker (if configured) - rejects the call while open
// 3. Timeout (if configured) - limits execution time
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	// Build the execution chain from inside out
	execute := op

	// Wrap with timeout (innermost)
	if e.timeout != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return e.timeout.Execute(ctx, inner)
		}
	}

	// Wrap with circuit breaker
	if e.circuitBreaker != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return e.circuitBreaker.Execute(ctx, inner)
		}
	}

	// Wrap with admission (outermost)
	if e.admission != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return e.admission.Execute(ctx, e.admissionWait, inner)
		}
	}

	return execute(ctx)
}
