package resilience

import (
	"context"
	"sync"
	"time"
)

// AdmissionConfig configures the admission controller.
type AdmissionConfig struct {
	// MaxPerWindow is the number of admissions allowed per rolling window.
	// Default: 60
	MaxPerWindow int

	// MaxConcurrent is the maximum number of admitted, unreleased callers.
	// Default: 10
	MaxConcurrent int

	// Window is the width of the rolling rate window.
	// Default: 1 minute
	Window time.Duration

	// PollInterval is how long a blocked caller sleeps between checks.
	// Default: max(1s, Window/MaxPerWindow)
	PollInterval time.Duration

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Sleep waits between admission checks. A fake clock passed as Now
	// must be advanced by Sleep, or a blocked caller never times out.
	// Default: SleepContext
	Sleep func(ctx context.Context, d time.Duration) error
}

// AdmissionController bounds both the rate (admissions per rolling window)
// and the concurrency (admitted callers not yet released) of an operation.
//
// Every successful Acquire must be paired with exactly one Release.
// Execute does the pairing on every exit path.
type AdmissionController struct {
	config AdmissionConfig

	mu        sync.Mutex
	stamps    []time.Time // admission times, oldest first
	active    int
	maxActive int
	rejected  int64
}

// NewAdmissionController creates a new admission controller.
func NewAdmissionController(config AdmissionConfig) *AdmissionController {
	// Apply defaults
	if config.MaxPerWindow <= 0 {
		config.MaxPerWindow = 60
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = max(time.Second, config.Window/time.Duration(config.MaxPerWindow))
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Sleep == nil {
		config.Sleep = SleepContext
	}

	return &AdmissionController{
		config: config,
		stamps: make([]time.Time, 0, config.MaxPerWindow),
	}
}

// TryAcquire admits the caller if both limits allow it, without waiting.
func (a *AdmissionController) TryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.config.Now()
	a.pruneLocked(now)

	if len(a.stamps) >= a.config.MaxPerWindow || a.active >= a.config.MaxConcurrent {
		return false
	}

	a.stamps = append(a.stamps, now)
	a.active++
	if a.active > a.maxActive {
		a.maxActive = a.active
	}
	return true
}

// Acquire blocks until the caller is admitted, timeout elapses, or ctx is
// done. It returns ErrAdmissionTimeout on timeout and ctx.Err() on
// cancellation. A non-positive timeout makes a single attempt.
func (a *AdmissionController) Acquire(ctx context.Context, timeout time.Duration) error {
	// Check context first
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline := a.config.Now().Add(timeout)

	for {
		if a.TryAcquire() {
			return nil
		}

		remaining := deadline.Sub(a.config.Now())
		if remaining <= 0 {
			a.mu.Lock()
			a.rejected++
			a.mu.Unlock()
			return ErrAdmissionTimeout
		}

		if err := a.config.Sleep(ctx, min(a.config.PollInterval, remaining)); err != nil {
			return err
		}
	}
}

// Release frees the concurrency slot taken by a successful Acquire.
// The admission timestamp stays in the rate window until it ages out.
func (a *AdmissionController) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active > 0 {
		a.active--
	}
}

// Execute acquires a slot, runs op, and releases the slot whether op
// returns an error, succeeds, or panics.
func (a *AdmissionController) Execute(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	if err := a.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer a.Release()

	return op(ctx)
}

// pruneLocked drops admissions older than the window.
func (a *AdmissionController) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.config.Window)
	i := 0
	for i < len(a.stamps) && !a.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		a.stamps = append(a.stamps[:0], a.stamps[i:]...)
	}
}

// Metrics returns current admission metrics.
func (a *AdmissionController) Metrics() AdmissionMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked(a.config.Now())

	return AdmissionMetrics{
		Active:        a.active,
		MaxActive:     a.maxActive,
		InWindow:      len(a.stamps),
		Rejected:      a.rejected,
		MaxConcurrent: a.config.MaxConcurrent,
		MaxPerWindow:  a.config.MaxPerWindow,
	}
}

// AdmissionMetrics contains admission controller statistics.
type AdmissionMetrics struct {
	Active        int   `json:"active"`
	MaxActive     int   `json:"max_active"`
	InWindow      int   `json:"in_window"`
	Rejected      int64 `json:"rejected"`
	MaxConcurrent int   `json:"max_concurrent"`
	MaxPerWindow  int   `json:"max_per_window"`
}
