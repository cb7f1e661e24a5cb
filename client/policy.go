package client

import (
	"errors"
	"time"

	"github.com/jonwraymond/llmguard/llm"
)

// RetryPolicy maps a classified failure to what the next attempt does.
// The zero value is not useful; start from DefaultRetryPolicy.
type RetryPolicy struct {
	// RateLimitBase and RateLimitStep give the rate-limit wait:
	// (attempt+1)*RateLimitStep + RateLimitBase.
	RateLimitBase time.Duration
	RateLimitStep time.Duration

	// TimeoutStep gives the timeout wait: (attempt+1)*TimeoutStep.
	TimeoutStep time.Duration

	// OverloadStep gives the wait for overloaded and transient failures:
	// (attempt+1)*OverloadStep.
	OverloadStep time.Duration

	// MinOutputTokens is the floor for output budget halving.
	MinOutputTokens int

	// ContextShrink is the fraction of the context limit kept after a
	// payload-too-large failure.
	ContextShrink float64

	// FallbackModel, when set, is switched to once the remote reports the
	// requested model unavailable.
	FallbackModel string
}

// DefaultRetryPolicy returns the standard classification table.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitBase:   60 * time.Second,
		RateLimitStep:   30 * time.Second,
		TimeoutStep:     10 * time.Second,
		OverloadStep:    5 * time.Second,
		MinOutputTokens: 200,
		ContextShrink:   0.75,
	}
}

// Decision is the action taken before the next attempt.
type Decision struct {
	// Kind is the classification of the failed attempt.
	Kind llm.ErrorKind

	// Wait is how long to sleep before retrying. Zero retries immediately.
	Wait time.Duration

	// Shrink halves the output budget and tightens the input budget.
	Shrink bool

	// Fallback switches the request to the policy's FallbackModel.
	Fallback bool
}

// Decide returns the decision for failed attempt number attempt
// (zero-based) that ended with err.
func (p RetryPolicy) Decide(attempt int, err error) Decision {
	n := time.Duration(attempt + 1)

	if p.FallbackModel != "" && errors.Is(err, llm.ErrModelUnavailable) {
		return Decision{Kind: llm.Classify(err), Fallback: true}
	}

	kind := llm.Classify(err)
	switch kind {
	case llm.KindRateLimited:
		wait := n*p.RateLimitStep + p.RateLimitBase
		if hint := llm.RetryAfter(err); hint > wait {
			wait = hint
		}
		return Decision{Kind: kind, Wait: wait}
	case llm.KindPayloadTooLarge:
		return Decision{Kind: kind, Shrink: true}
	case llm.KindTimeout:
		return Decision{Kind: kind, Wait: n * p.TimeoutStep}
	default:
		return Decision{Kind: kind, Wait: n * p.OverloadStep}
	}
}

// shrinkOutput halves the output budget, not going below the floor.
func (p RetryPolicy) shrinkOutput(maxOutputTokens int) int {
	return max(p.MinOutputTokens, maxOutputTokens/2)
}

// shrinkContext tightens the context limit used for re-truncation.
func (p RetryPolicy) shrinkContext(contextLimit int) int {
	if p.ContextShrink <= 0 || p.ContextShrink >= 1 {
		return contextLimit
	}
	return int(float64(contextLimit) * p.ContextShrink)
}
