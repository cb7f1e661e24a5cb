package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonwraymond/llmguard/resilience"
)

// Sentinel errors for request validation.
var (
	// ErrEmptyConversation is returned when a request carries no messages.
	ErrEmptyConversation = errors.New("llm: conversation is empty")

	// ErrInvalidRole is returned when a message has an unknown role.
	ErrInvalidRole = errors.New("llm: invalid message role")

	// ErrModelUnavailable marks a failure caused by the requested model not
	// being served by the remote.
	ErrModelUnavailable = errors.New("llm: model unavailable")
)

// ErrorKind classifies a failure for retry purposes.
type ErrorKind int

const (
	// KindTransient is an unclassified remote failure.
	KindTransient ErrorKind = iota
	// KindRateLimited means the remote rejected the call for rate reasons.
	KindRateLimited
	// KindPayloadTooLarge means the request exceeded the remote size limit.
	KindPayloadTooLarge
	// KindTimeout covers deadlines and network failures.
	KindTimeout
	// KindOverloaded covers local rejection: admission timeout or open circuit.
	KindOverloaded
	// KindTerminal means every retry was exhausted.
	KindTerminal
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindTimeout:
		return "timeout"
	case KindOverloaded:
		return "overloaded"
	case KindTerminal:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StatusError is an HTTP-style failure reported by a Completer.
type StatusError struct {
	StatusCode int
	Message    string

	// RetryAfter is the server's back-off hint, zero if none was given.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: remote status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrModelUnavailable) match a 404 about a model.
func (e *StatusError) Is(target error) bool {
	if target != ErrModelUnavailable {
		return false
	}
	return e.StatusCode == http.StatusNotFound &&
		strings.Contains(strings.ToLower(e.Message), "model")
}

// Failure is the typed outcome of a call that could not produce text.
type Failure struct {
	// Kind is KindTerminal once the client has given up.
	Kind ErrorKind `json:"kind"`

	// Cause is the classification of the last attempt.
	Cause ErrorKind `json:"cause"`

	Message  string `json:"message"`
	Attempts int    `json:"attempts"`

	// RetryAfter is the last back-off hint from the remote, if any.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	Err error `json:"-"`
}

func (f *Failure) Error() string {
	if f.Cause == f.Kind {
		return fmt.Sprintf("llm: %s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("llm: %s (%s): %s", f.Kind, f.Cause, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Classify maps an error to its ErrorKind.
//
// Rules, first match wins:
//   - *Failure: its Kind
//   - open circuit or admission timeout: KindOverloaded
//   - deadline, cancellation, network errors: KindTimeout
//   - status 429 or "rate limit" in the message: KindRateLimited
//   - status 413 or "too large"/"context length" in the message: KindPayloadTooLarge
//   - anything else: KindTransient
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}

	if errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, resilience.ErrAdmissionTimeout) {
		return KindOverloaded
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, resilience.ErrTimeout) {
		return KindTimeout
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests:
			return KindRateLimited
		case http.StatusRequestEntityTooLarge:
			return KindPayloadTooLarge
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return KindTimeout
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "too large") || strings.Contains(msg, "context length"):
		return KindPayloadTooLarge
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset"):
		return KindTimeout
	}

	return KindTransient
}

// RetryAfter extracts the remote back-off hint from err, if any.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
