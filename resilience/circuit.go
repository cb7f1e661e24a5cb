package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a single
	// trial call is let through.
	// Default: 60 seconds
	RecoveryTimeout time.Duration

	// OnStateChange is called when the circuit state changes. It runs under
	// the breaker lock and must not call back into the breaker.
	OnStateChange func(from, to State)

	// IsFailure determines if an error should count as a failure.
	// Errors for which it returns false leave the state unchanged.
	// Default: all non-nil errors except context.Canceled.
	IsFailure func(err error) bool

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// CircuitBreaker implements the circuit breaker pattern.
//
// State checks and updates happen under one mutex; the protected operation
// runs outside it.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialActive bool
	// generation changes on every transition so that late results from
	// calls admitted under an earlier state are ignored.
	generation uint64
}

// permit records how a call was admitted.
type permit struct {
	generation uint64
	trial      bool
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	// Apply defaults
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Execute runs the operation through the circuit breaker and returns the
// operation's own error. When the circuit rejects the call, op is not
// invoked and ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	p, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	var opErr error
	defer func() {
		// A panicking op counts as a failure.
		if r := recover(); r != nil {
			cb.afterRequest(p, errPanicked)
			panic(r)
		}
		cb.afterRequest(p, opErr)
	}()

	opErr = op(ctx)
	return opErr
}

var errPanicked = errors.New("resilience: operation panicked")

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialActive = false
	cb.setStateLocked(StateClosed)
}

func (cb *CircuitBreaker) beforeRequest() (permit, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateOpen:
		return permit{}, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trialActive {
			return permit{}, ErrCircuitOpen
		}
		cb.trialActive = true
		return permit{generation: cb.generation, trial: true}, nil
	}

	return permit{generation: cb.generation}, nil
}

func (cb *CircuitBreaker) afterRequest(p permit, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := cb.config.IsFailure(err)
	neutral := err != nil && !failed

	if p.trial {
		cb.trialActive = false
		if p.generation != cb.generation || cb.state != StateHalfOpen || neutral {
			return
		}
		if failed {
			// Failed probe, back to open with a fresh timer.
			cb.failures++
			cb.lastFailure = cb.config.Now()
			cb.setStateLocked(StateOpen)
			return
		}
		cb.failures = 0
		cb.setStateLocked(StateClosed)
		return
	}

	if p.generation != cb.generation || cb.state != StateClosed || neutral {
		return
	}

	if !failed {
		// Reset failure count on success
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailure = cb.config.Now()
	if cb.failures >= cb.config.FailureThreshold {
		cb.setStateLocked(StateOpen)
	}
}

// currentStateLocked moves an open circuit to half-open once the recovery
// timeout has elapsed.
func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && cb.config.Now().Sub(cb.lastFailure) > cb.config.RecoveryTimeout {
		cb.trialActive = false
		cb.setStateLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(state State) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.generation++
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, state)
	}
}

// Metrics returns current circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		State:       cb.currentStateLocked(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}
