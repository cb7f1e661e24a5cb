package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/llmguard/cache"
	"github.com/jonwraymond/llmguard/llm"
	"github.com/jonwraymond/llmguard/observe"
	"github.com/jonwraymond/llmguard/resilience"
	"github.com/jonwraymond/llmguard/tokens"
)

// ErrNilCompleter is returned by New when no remote completer is given.
var ErrNilCompleter = errors.New("client: completer is nil")

// Option configures a Client.
type Option func(*Client)

// WithMiddleware instruments the client with the given observability
// middleware.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(c *Client) {
		if mw != nil {
			c.obs = mw
		}
	}
}

// WithCache replaces the in-memory response cache.
func WithCache(store cache.Cache) Option {
	return func(c *Client) {
		c.store = store
	}
}

// Client is a resilient front for one remote Completer.
//
// Each call runs truncate, cache lookup, then a bounded retry loop around
// admission, circuit breaker, and a per-call timeout. The cache, breaker, and
// admission window are owned by the Client and shared by all its callers.
//
// Contract:
//   - Concurrency: all methods are safe for concurrent use.
//   - Context: ctx bounds waits for admission, retries, and the remote call.
//   - Errors: calls never return an error; failures come back as a typed
//     llm.Failure inside the Result.
type Client struct {
	config Config

	remote    llm.Completer
	breaker   *resilience.CircuitBreaker
	admission *resilience.AdmissionController
	guard     *resilience.Executor
	store     cache.Cache
	responses *cache.Middleware
	obs       *observe.Middleware

	calls     atomic.Int64
	failures  atomic.Int64
	cacheHits atomic.Int64
	retries   atomic.Int64
}

// New creates a Client around remote.
func New(remote llm.Completer, config Config, opts ...Option) (*Client, error) {
	if remote == nil {
		return nil, ErrNilCompleter
	}

	// Apply defaults
	config.applyDefaults()

	c := &Client{
		config: config,
		obs:    observe.NopMiddleware(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: config.FailureThreshold,
		RecoveryTimeout:  config.RecoveryTimeout,
		IsFailure:        countsAgainstCircuit,
		OnStateChange:    c.onStateChange,
		Now:              config.Now,
	})
	c.admission = resilience.NewAdmissionController(resilience.AdmissionConfig{
		MaxPerWindow:  config.MaxRequestsPerMinute,
		MaxConcurrent: config.MaxConcurrentRequests,
		Window:        time.Minute,
		Now:           config.Now,
	})
	c.guard = resilience.NewExecutor(
		resilience.WithAdmission(c.admission, config.AdmissionTimeout),
		resilience.WithCircuitBreaker(c.breaker),
		resilience.WithTimeout(config.CallTimeout),
	)

	if c.store == nil {
		c.store = cache.NewMemoryCache(cache.MemoryConfig{
			Capacity: config.CacheCapacity,
			Now:      config.Now,
		})
	}
	policy := cache.TTLPolicy(config.CacheTTL)
	if config.DisableCache {
		policy = cache.NoCachePolicy()
	}
	c.responses = cache.NewMiddleware(c.store, &cache.RequestKeyer{
		Bucket: config.CacheBucket,
		Now:    config.Now,
	}, policy)

	c.remote = c.obs.WrapCompleter(remote, attemptMeta)

	return c, nil
}

// Generate sends a single prompt, preceded by the configured system prompt
// if any.
func (c *Client) Generate(ctx context.Context, prompt string, params llm.Params) llm.Result {
	conv := make([]llm.Message, 0, 2)
	if c.config.SystemPrompt != "" {
		conv = append(conv, llm.System(c.config.SystemPrompt))
	}
	conv = append(conv, llm.User(prompt))
	return c.call(ctx, "generate", conv, params)
}

// Chat sends a caller-built conversation unchanged apart from truncation.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, params llm.Params) llm.Result {
	return c.call(ctx, "chat", msgs, params)
}

// GenerateMultiple calls Generate for each prompt in order, waiting delay
// between calls whatever their outcome. A failed prompt does not stop the
// batch; results[i] belongs to prompts[i].
func (c *Client) GenerateMultiple(ctx context.Context, prompts []string, params llm.Params, delay time.Duration) []llm.Result {
	results := make([]llm.Result, len(prompts))

	meta := observe.CallMeta{Operation: "batch", Model: c.modelFor(params)}
	_ = c.obs.Run(ctx, meta, func(ctx context.Context) error {
		failed := 0
		for i, p := range prompts {
			if i > 0 && delay > 0 {
				// A cancelled wait still lets the remaining prompts fail fast.
				_ = c.config.Sleep(ctx, delay)
			}
			results[i] = c.Generate(ctx, p, params)
			if !results[i].OK() {
				failed++
			}
		}
		if failed > 0 {
			return &batchError{failed: failed, total: len(prompts)}
		}
		return nil
	})

	return results
}

// Stats reports the client's shared state.
func (c *Client) Stats() Stats {
	cb := c.breaker.Metrics()
	adm := c.admission.Metrics()
	return Stats{
		CircuitState:     cb.State,
		FailureCount:     cb.Failures,
		ActiveRequests:   adm.Active,
		CacheSize:        c.store.Len(),
		RequestsInWindow: adm.InWindow,
		Rejected:         adm.Rejected,
		Calls:            c.calls.Load(),
		Failures:         c.failures.Load(),
		CacheHits:        c.cacheHits.Load(),
		Retries:          c.retries.Load(),
	}
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Admission returns the client's admission controller.
func (c *Client) Admission() *resilience.AdmissionController { return c.admission }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.config }

// Stats is a point-in-time view of a Client.
type Stats struct {
	CircuitState     resilience.State `json:"circuit_state"`
	FailureCount     int              `json:"failure_count"`
	ActiveRequests   int              `json:"active_requests"`
	CacheSize        int              `json:"cache_size"`
	RequestsInWindow int              `json:"requests_in_window"`
	Rejected         int64            `json:"admission_rejected"`
	Calls            int64            `json:"calls"`
	Failures         int64            `json:"failures"`
	CacheHits        int64            `json:"cache_hits"`
	Retries          int64            `json:"retries"`
}

// call runs one client operation inside its telemetry span.
func (c *Client) call(ctx context.Context, op string, conv []llm.Message, params llm.Params) llm.Result {
	c.calls.Add(1)

	st := c.newCallState(conv, params)
	meta := observe.CallMeta{
		Operation: op,
		Model:     st.model,
		RequestID: uuid.NewString(),
	}

	var res llm.Result
	_ = c.obs.Run(ctx, meta, func(ctx context.Context) error {
		res = c.execute(ctx, meta, st)
		return res.Err()
	})

	if !res.OK() {
		c.failures.Add(1)
	}
	return res
}

func (c *Client) execute(ctx context.Context, meta observe.CallMeta, st *callState) llm.Result {
	if err := llm.Validate(st.conv); err != nil {
		return llm.Result{Failure: &llm.Failure{
			Kind:    llm.KindTerminal,
			Cause:   llm.KindTransient,
			Message: err.Error(),
			Err:     err,
		}}
	}

	req := st.request()
	model := st.model

	// The load may run on another goroutine and outlive a cancelled wait.
	var (
		mu       sync.Mutex
		out      llm.Completion
		attempts int
	)
	text, shared, err := c.responses.Execute(ctx, req, func(ctx context.Context) (string, error) {
		o, n, err := c.load(ctx, meta, st)
		mu.Lock()
		out, attempts = o, n
		mu.Unlock()
		return o.Text, err
	})

	mu.Lock()
	defer mu.Unlock()

	// A follower that shares the leader's failure got nothing from the
	// cache.
	hit := shared && err == nil
	if !c.config.DisableCache {
		c.obs.Metrics().RecordCacheLookup(ctx, meta, hit)
		if hit {
			c.cacheHits.Add(1)
		}
	}

	if err != nil {
		f := asFailure(err, attempts)
		return llm.Result{Attempts: f.Attempts, Failure: f}
	}

	if out.Model != "" && !shared {
		model = out.Model
	}
	return llm.Result{
		Text:     text,
		Model:    model,
		Cached:   shared,
		Attempts: attempts,
	}
}

// load performs the bounded retry loop. Each pass goes through admission,
// the circuit breaker, and the call timeout.
func (c *Client) load(ctx context.Context, meta observe.CallMeta, st *callState) (llm.Completion, int, error) {
	var (
		out      llm.Completion
		attempts int
		last     error
	)

	policy := c.config.Policy
	logger := c.obs.Logger().WithCall(meta)

	retry := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts: c.config.MaxRetries,
		Delay: func(attempt int, err error) time.Duration {
			return policy.Decide(attempt, err).Wait
		},
		RetryIf: func(error) bool {
			return ctx.Err() == nil
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d := policy.Decide(attempt, err)
			c.retries.Add(1)
			c.obs.Metrics().RecordRetry(ctx, meta, d.Kind)
			logger.Info(ctx, "retrying call",
				observe.F("error", err),
				observe.F("error_kind", d.Kind.String()),
				observe.F("attempt", attempt+1),
				observe.F("wait_ms", wait.Milliseconds()),
			)
			c.apply(ctx, logger, st, d)
		},
		Sleep: c.config.Sleep,
	})

	err := retry.Execute(ctx, func(ctx context.Context) error {
		attempts++
		actx := context.WithValue(ctx, attemptKey{}, attemptInfo{requestID: meta.RequestID, attempt: attempts})
		err := c.guard.Execute(actx, func(ctx context.Context) error {
			var err error
			out, err = c.remote.Complete(ctx, st.request())
			return err
		})
		if err != nil {
			last = err
		}
		return err
	})
	if err != nil {
		if last == nil {
			last = err
		}
		logger.Error(ctx, "giving up",
			observe.F("error", last),
			observe.F("error_kind", llm.Classify(last).String()),
			observe.F("attempts", attempts),
		)
		return llm.Completion{}, attempts, &llm.Failure{
			Kind:       llm.KindTerminal,
			Cause:      llm.Classify(last),
			Message:    last.Error(),
			Attempts:   attempts,
			RetryAfter: llm.RetryAfter(last),
			Err:        err,
		}
	}
	return out, attempts, nil
}

// apply carries a retry decision into the next attempt's request.
func (c *Client) apply(ctx context.Context, logger observe.Logger, st *callState, d Decision) {
	policy := c.config.Policy
	if d.Shrink {
		st.maxOutput = policy.shrinkOutput(st.maxOutput)
		st.contextLimit = policy.shrinkContext(st.contextLimit)
	}
	if d.Fallback && st.model != policy.FallbackModel {
		logger.Warn(ctx, "model unavailable, switching to fallback",
			observe.F("fallback_model", policy.FallbackModel),
		)
		st.model = policy.FallbackModel
		st.contextLimit = c.config.ContextLimits.Lookup(st.model)
	}
}

func (c *Client) onStateChange(from, to resilience.State) {
	ctx := context.Background()
	c.obs.Metrics().RecordBreakerTransition(ctx, from.String(), to.String())
	c.obs.Logger().Warn(ctx, "circuit state changed",
		observe.F("from", from.String()),
		observe.F("to", to.String()),
	)
}

func (c *Client) modelFor(params llm.Params) string {
	if params.Model != "" {
		return params.Model
	}
	return c.config.Model
}

func (c *Client) newCallState(conv []llm.Message, params llm.Params) *callState {
	model := c.modelFor(params)
	maxOutput := params.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = c.config.MaxOutputTokens
	}
	return &callState{
		conv:         conv,
		model:        model,
		maxOutput:    maxOutput,
		contextLimit: c.config.ContextLimits.Lookup(model),
		temperature:  params.Temperature,
		topP:         params.TopP,
		extra:        params.Extra,
	}
}

// callState is the per-call request shape. Retry decisions mutate it
// between attempts; it is never shared across calls.
type callState struct {
	conv         []llm.Message
	model        string
	maxOutput    int
	contextLimit int
	temperature  float64
	topP         float64
	extra        map[string]any
}

func (st *callState) request() llm.Request {
	return llm.Request{
		Model:           st.model,
		Messages:        tokens.Truncate(st.conv, st.maxOutput, st.contextLimit),
		MaxOutputTokens: st.maxOutput,
		Temperature:     st.temperature,
		TopP:            st.topP,
		Extra:           st.extra,
	}
}

// countsAgainstCircuit excludes failures caused by the request itself.
func countsAgainstCircuit(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, llm.ErrModelUnavailable) {
		return false
	}
	return llm.Classify(err) != llm.KindPayloadTooLarge
}

// asFailure turns an error from the cache layer into a Failure.
func asFailure(err error, attempts int) *llm.Failure {
	var f *llm.Failure
	if errors.As(err, &f) {
		return f
	}
	return &llm.Failure{
		Kind:     llm.KindTerminal,
		Cause:    llm.Classify(err),
		Message:  err.Error(),
		Attempts: attempts,
		Err:      err,
	}
}

type attemptKey struct{}

type attemptInfo struct {
	requestID string
	attempt   int
}

// attemptMeta labels each remote attempt for telemetry.
func attemptMeta(ctx context.Context, req llm.Request) observe.CallMeta {
	info, _ := ctx.Value(attemptKey{}).(attemptInfo)
	return observe.CallMeta{
		Operation: "complete",
		Model:     req.Model,
		RequestID: info.requestID,
		Attempt:   info.attempt,
	}
}

type batchError struct {
	failed, total int
}

func (e *batchError) Error() string {
	return fmt.Sprintf("client: %d of %d prompts failed", e.failed, e.total)
}
