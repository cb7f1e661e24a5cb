// Package resilience provides resilience patterns for calls to a rate-limited,
// latency-variable remote dependency.
//
// # Patterns
//
// The package provides the following resilience patterns:
//
//   - Circuit Breaker: Stops calling a dependency after a run of consecutive
//     failures, then lets a single trial call through after a recovery
//     timeout.
//
//   - Admission Controller: Bounds admissions per rolling window and the
//     number of admitted callers in flight. Callers block, with a timeout,
//     until admitted.
//
//   - Retry: Retries failed operations with caller-defined delays, bounded
//     by a maximum number of attempts.
//
//   - Timeout: Bounds an operation with a deadline.
//
// # Usage
//
// Each pattern can be used independently or composed together:
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//	    FailureThreshold: 5,
//	    RecoveryTimeout:  time.Minute,
//	})
//
//	admission := resilience.NewAdmissionController(resilience.AdmissionConfig{
//	    MaxPerWindow:  60, // per minute
//	    MaxConcurrent: 5,
//	})
//
//	retry := resilience.NewRetry(resilience.RetryConfig{MaxAttempts: 3})
//
//	executor := resilience.NewExecutor(
//	    resilience.WithAdmission(admission, 30*time.Second),
//	    resilience.WithCircuitBreaker(cb),
//	    resilience.WithTimeout(60*time.Second),
//	)
//
//	err := retry.Execute(ctx, func(ctx context.Context) error {
//	    return executor.Execute(ctx, callRemoteModel)
//	})
package resilience
