package client

import (
	"context"
	"time"

	"github.com/jonwraymond/llmguard/llm"
	"github.com/jonwraymond/llmguard/resilience"
)

// Config configures a Client. Zero fields take the defaults noted below.
type Config struct {
	// Model is the remote model used when a call does not name one.
	// Default: "gpt-4o-mini"
	Model string `mapstructure:"model"`

	// FallbackModel is used once if the remote reports Model unavailable.
	FallbackModel string `mapstructure:"fallback_model"`

	// SystemPrompt is prepended by Generate. Chat never injects it.
	SystemPrompt string `mapstructure:"system_prompt"`

	// MaxOutputTokens is the default output budget.
	// Default: 1000
	MaxOutputTokens int `mapstructure:"max_output_tokens"`

	// ContextLimits maps models to their context window.
	// Default: llm.DefaultContextLimits()
	ContextLimits llm.ContextLimits `mapstructure:"context_limits"`

	// MaxRequestsPerMinute bounds admissions per rolling minute.
	// Default: 60
	MaxRequestsPerMinute int `mapstructure:"max_requests_per_minute"`

	// MaxConcurrentRequests bounds in-flight remote calls.
	// Default: 10
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`

	// AdmissionTimeout is how long an attempt waits for admission.
	// Default: 30 seconds
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout"`

	// CallTimeout bounds one remote call.
	// Default: 60 seconds
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// CacheCapacity is the number of cached responses.
	// Default: 100
	CacheCapacity int `mapstructure:"cache_capacity"`

	// CacheTTL is how long a response stays cached.
	// Default: 1 hour
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// CacheBucket is the width of the cache key time bucket.
	// Default: 60 seconds
	CacheBucket time.Duration `mapstructure:"cache_bucket"`

	// DisableCache turns response caching off.
	DisableCache bool `mapstructure:"disable_cache"`

	// FailureThreshold is the consecutive failures that open the circuit.
	// Default: 5
	FailureThreshold int `mapstructure:"circuit_failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open.
	// Default: 60 seconds
	RecoveryTimeout time.Duration `mapstructure:"circuit_recovery_timeout"`

	// MaxRetries is the total number of attempts per call.
	// Default: 3
	MaxRetries int `mapstructure:"max_retries"`

	// InterRequestDelay separates GenerateMultiple calls.
	// Default: 1 second
	InterRequestDelay time.Duration `mapstructure:"inter_request_delay"`

	// Policy is the retry classification table.
	// Default: DefaultRetryPolicy() with FallbackModel
	Policy *RetryPolicy `mapstructure:"-"`

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time `mapstructure:"-"`

	// Sleep waits between attempts and batch items.
	// Default: resilience.SleepContext
	Sleep func(ctx context.Context, d time.Duration) error `mapstructure:"-"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 1000
	}
	if c.ContextLimits == nil {
		c.ContextLimits = llm.DefaultContextLimits()
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = 60
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 10
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 100
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.CacheBucket <= 0 {
		c.CacheBucket = 60 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InterRequestDelay <= 0 {
		c.InterRequestDelay = time.Second
	}
	if c.Policy == nil {
		p := DefaultRetryPolicy()
		p.FallbackModel = c.FallbackModel
		c.Policy = &p
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = resilience.SleepContext
	}
}
