package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// Delay returns the wait before the attempt following failed attempt
	// number attempt (zero-based), given that attempt's error.
	// Default: linear, (attempt+1) * 100ms
	Delay func(attempt int, err error) time.Duration

	// RetryIf determines if an error should trigger a retry.
	// Default: all non-nil errors trigger retry.
	RetryIf func(err error) bool

	// OnRetry is called before each retry wait.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep waits for d or until ctx is done.
	// Default: a timer raced against ctx.Done()
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retry implements bounded retry with caller-defined delays.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	// Apply defaults
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Delay == nil {
		config.Delay = func(attempt int, _ error) time.Duration {
			return time.Duration(attempt+1) * 100 * time.Millisecond
		}
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return err != nil }
	}
	if config.Sleep == nil {
		config.Sleep = SleepContext
	}

	return &Retry{config: config}
}

// Execute runs op until it succeeds, RetryIf rejects its error, or
// MaxAttempts is reached. Exhaustion returns an error wrapping both
// ErrMaxRetriesExceeded and the last error.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		// Check if we should retry
		if !r.config.RetryIf(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt+1 >= r.config.MaxAttempts {
			break
		}

		delay := r.config.Delay(attempt, err)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		if delay > 0 {
			if err := r.config.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}

// SleepContext waits for d, returning ctx.Err() if ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
