package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/llmguard/resilience"
)

// BreakerChecker reports the state of a circuit breaker: closed is healthy,
// half-open is degraded, open is unhealthy.
type BreakerChecker struct {
	name string
	cb   *resilience.CircuitBreaker
}

// NewBreakerChecker creates a checker for cb.
func NewBreakerChecker(name string, cb *resilience.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{name: name, cb: cb}
}

// Name returns the name of this checker.
func (c *BreakerChecker) Name() string {
	return c.name
}

// Check reports the breaker state.
func (c *BreakerChecker) Check(ctx context.Context) Result {
	m := c.cb.Metrics()

	details := map[string]any{
		"state":    m.State.String(),
		"failures": m.Failures,
	}
	if !m.LastFailure.IsZero() {
		details["last_failure"] = m.LastFailure.UTC().Format(time.RFC3339)
	}

	var r Result
	switch m.State {
	case resilience.StateClosed:
		r = Healthy("circuit closed")
	case resilience.StateHalfOpen:
		r = Degraded("circuit half-open, probing remote")
	default:
		r = Unhealthy("circuit open", resilience.ErrCircuitOpen)
	}
	return r.WithDetails(details)
}

// AdmissionCheckerConfig configures an AdmissionChecker.
type AdmissionCheckerConfig struct {
	// SaturationThreshold is the fraction of either admission limit at
	// which the checker reports degraded.
	// Default: 0.9
	SaturationThreshold float64
}

// AdmissionChecker reports degraded when an admission controller is close
// to either of its limits. Saturation never makes it unhealthy: callers
// still get through, only later.
type AdmissionChecker struct {
	name   string
	a      *resilience.AdmissionController
	config AdmissionCheckerConfig
}

// NewAdmissionChecker creates a checker for a.
func NewAdmissionChecker(name string, a *resilience.AdmissionController, config AdmissionCheckerConfig) *AdmissionChecker {
	// Apply defaults
	if config.SaturationThreshold <= 0 || config.SaturationThreshold > 1 {
		config.SaturationThreshold = 0.9
	}
	return &AdmissionChecker{name: name, a: a, config: config}
}

// Name returns the name of this checker.
func (c *AdmissionChecker) Name() string {
	return c.name
}

// Check reports admission saturation.
func (c *AdmissionChecker) Check(ctx context.Context) Result {
	m := c.a.Metrics()

	concurrency := ratio(m.Active, m.MaxConcurrent)
	rate := ratio(m.InWindow, m.MaxPerWindow)

	details := map[string]any{
		"active":         m.Active,
		"max_concurrent": m.MaxConcurrent,
		"in_window":      m.InWindow,
		"max_per_window": m.MaxPerWindow,
		"rejected":       m.Rejected,
	}

	switch {
	case concurrency >= c.config.SaturationThreshold:
		return Degraded(fmt.Sprintf("concurrency %.0f%% of limit", concurrency*100)).WithDetails(details)
	case rate >= c.config.SaturationThreshold:
		return Degraded(fmt.Sprintf("request rate %.0f%% of limit", rate*100)).WithDetails(details)
	}
	return Healthy("admission available").WithDetails(details)
}

func ratio(n, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(n) / float64(limit)
}

// Pinger is a remote that can be probed cheaply.
type Pinger interface {
	Heartbeat(ctx context.Context) error
}

// RemoteCheckerConfig configures a RemoteChecker.
type RemoteCheckerConfig struct {
	// Timeout bounds a single probe.
	// Default: 5 seconds
	Timeout time.Duration

	// SlowThreshold marks a successful probe as degraded when exceeded.
	// Default: 2 seconds
	SlowThreshold time.Duration
}

// RemoteChecker probes the remote generation service.
type RemoteChecker struct {
	name   string
	p      Pinger
	config RemoteCheckerConfig
}

// NewRemoteChecker creates a checker that probes p.
func NewRemoteChecker(name string, p Pinger, config RemoteCheckerConfig) *RemoteChecker {
	// Apply defaults
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.SlowThreshold <= 0 {
		config.SlowThreshold = 2 * time.Second
	}
	return &RemoteChecker{name: name, p: p, config: config}
}

// Name returns the name of this checker.
func (c *RemoteChecker) Name() string {
	return c.name
}

// Check probes the remote.
func (c *RemoteChecker) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	err := c.p.Heartbeat(ctx)
	elapsed := time.Since(start)

	details := map[string]any{"latency": elapsed.String()}
	if err != nil {
		return Unhealthy("remote unreachable", fmt.Errorf("%w: %w", ErrCheckFailed, err)).WithDetails(details)
	}
	if elapsed > c.config.SlowThreshold {
		return Degraded("remote responding slowly").WithDetails(details)
	}
	return Healthy("remote reachable").WithDetails(details)
}

var (
	_ Checker = (*BreakerChecker)(nil)
	_ Checker = (*AdmissionChecker)(nil)
	_ Checker = (*RemoteChecker)(nil)
)
