package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jonwraymond/llmguard/llm"
	"github.com/jonwraymond/llmguard/observe"
	"github.com/jonwraymond/llmguard/resilience"
	"github.com/jonwraymond/llmguard/tokens"
)

// fakeRemote records requests and answers with respond.
type fakeRemote struct {
	mu      sync.Mutex
	reqs    []llm.Request
	respond func(n int, req llm.Request) (llm.Completion, error)
}

func (f *fakeRemote) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	f.mu.Unlock()

	if f.respond == nil {
		return llm.Completion{Text: "reply", Model: req.Model}, nil
	}
	return f.respond(n, req)
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeRemote) request(i int) llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

// failing returns a responder that fails every call with err.
func failing(err error) func(int, llm.Request) (llm.Completion, error) {
	return func(int, llm.Request) (llm.Completion, error) {
		return llm.Completion{}, err
	}
}

// failFirst fails the first n calls with err, then echoes the model.
func failFirst(n int, err error) func(int, llm.Request) (llm.Completion, error) {
	return func(call int, req llm.Request) (llm.Completion, error) {
		if call <= n {
			return llm.Completion{}, err
		}
		return llm.Completion{Text: "recovered", Model: req.Model}, nil
	}
}

// sleepRecorder replaces real waits.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestClient(t *testing.T, remote llm.Completer, cfg Config, opts ...Option) (*Client, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	if cfg.Sleep == nil {
		cfg.Sleep = rec.sleep
	}
	c, err := New(remote, cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, rec
}

func TestNew_NilCompleter(t *testing.T) {
	if _, err := New(nil, Config{}); !errors.Is(err, ErrNilCompleter) {
		t.Errorf("New(nil) error = %v, want ErrNilCompleter", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	c, _ := newTestClient(t, &fakeRemote{}, Config{})
	cfg := c.Config()

	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", cfg.Model)
	}
	if cfg.MaxOutputTokens != 1000 {
		t.Errorf("MaxOutputTokens = %d, want 1000", cfg.MaxOutputTokens)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.CacheCapacity != 100 {
		t.Errorf("CacheCapacity = %d, want 100", cfg.CacheCapacity)
	}
	if cfg.Policy == nil || cfg.Policy.RateLimitBase != 60*time.Second {
		t.Errorf("Policy = %+v, want the default table", cfg.Policy)
	}
}

func TestGenerate_Success(t *testing.T) {
	remote := &fakeRemote{}
	c, rec := newTestClient(t, remote, Config{SystemPrompt: "be brief"})

	res := c.Generate(context.Background(), "hello", llm.Params{Temperature: 0.3})

	if !res.OK() {
		t.Fatalf("Generate() failed: %v", res.Err())
	}
	if res.Text != "reply" || res.Model != "gpt-4o-mini" || res.Attempts != 1 || res.Cached {
		t.Errorf("Generate() = %+v", res)
	}

	req := remote.request(0)
	if len(req.Messages) != 2 || req.Messages[0] != llm.System("be brief") || req.Messages[1] != llm.User("hello") {
		t.Errorf("remote messages = %v, want system prompt then user prompt", req.Messages)
	}
	if req.MaxOutputTokens != 1000 || req.Temperature != 0.3 {
		t.Errorf("remote params = %+v", req)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("unexpected waits %v", rec.recorded())
	}
}

func TestChat_NoSystemPromptInjection(t *testing.T) {
	remote := &fakeRemote{}
	c, _ := newTestClient(t, remote, Config{SystemPrompt: "injected?"})

	conv := []llm.Message{llm.User("a"), llm.Assistant("b"), llm.User("c")}
	res := c.Chat(context.Background(), conv, llm.Params{Model: "gpt-4"})
	if !res.OK() {
		t.Fatalf("Chat() failed: %v", res.Err())
	}

	req := remote.request(0)
	if req.Model != "gpt-4" {
		t.Errorf("Model = %q, want gpt-4", req.Model)
	}
	if len(req.Messages) != 3 || req.Messages[0] != conv[0] {
		t.Errorf("remote messages = %v, want the conversation unchanged", req.Messages)
	}
}

func TestChat_InvalidConversation(t *testing.T) {
	remote := &fakeRemote{}
	c, _ := newTestClient(t, remote, Config{})

	res := c.Chat(context.Background(), nil, llm.Params{})
	if res.OK() {
		t.Fatal("Chat(nil) should fail")
	}
	if !errors.Is(res.Err(), llm.ErrEmptyConversation) {
		t.Errorf("err = %v, want ErrEmptyConversation", res.Err())
	}
	if remote.calls() != 0 {
		t.Errorf("remote called %d times, want 0", remote.calls())
	}
}

func TestGenerate_CacheHit(t *testing.T) {
	remote := &fakeRemote{}
	c, _ := newTestClient(t, remote, Config{})
	ctx := context.Background()

	first := c.Generate(ctx, "same", llm.Params{})
	second := c.Generate(ctx, "same", llm.Params{})

	if first.Cached || !second.Cached {
		t.Errorf("Cached = %v, %v, want false, true", first.Cached, second.Cached)
	}
	if second.Text != first.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}
	if remote.calls() != 1 {
		t.Errorf("remote called %d times, want 1", remote.calls())
	}

	stats := c.Stats()
	if stats.CacheHits != 1 || stats.CacheSize != 1 || stats.Calls != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestGenerate_CacheBucketExpiry(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	remote := &fakeRemote{}
	c, _ := newTestClient(t, remote, Config{Now: clock})

	c.Generate(context.Background(), "same", llm.Params{})

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	res := c.Generate(context.Background(), "same", llm.Params{})
	if res.Cached {
		t.Error("a request in a later time bucket must not be served from cache")
	}
	if remote.calls() != 2 {
		t.Errorf("remote called %d times, want 2", remote.calls())
	}
}

func TestGenerate_DisableCache(t *testing.T) {
	remote := &fakeRemote{}
	c, _ := newTestClient(t, remote, Config{DisableCache: true})

	c.Generate(context.Background(), "same", llm.Params{})
	res := c.Generate(context.Background(), "same", llm.Params{})

	if res.Cached || remote.calls() != 2 {
		t.Errorf("Cached = %v, calls = %d, want false, 2", res.Cached, remote.calls())
	}
	if c.Stats().CacheSize != 0 {
		t.Errorf("CacheSize = %d, want 0", c.Stats().CacheSize)
	}
}

func TestGenerate_RetryExhaustion(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		cause llm.ErrorKind
		waits []time.Duration
	}{
		{"rate limited", &llm.StatusError{StatusCode: 429, Message: "slow down"}, llm.KindRateLimited, []time.Duration{90 * time.Second, 120 * time.Second}},
		{"timeout", context.DeadlineExceeded, llm.KindTimeout, []time.Duration{10 * time.Second, 20 * time.Second}},
		{"transient", errors.New("upstream exploded"), llm.KindTransient, []time.Duration{5 * time.Second, 10 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{respond: failing(tt.err)}
			c, rec := newTestClient(t, remote, Config{})

			res := c.Generate(context.Background(), "hi", llm.Params{})

			if res.OK() {
				t.Fatal("Generate() should fail")
			}
			f := res.Failure
			if f.Kind != llm.KindTerminal {
				t.Errorf("Kind = %v, want terminal", f.Kind)
			}
			if f.Cause != tt.cause {
				t.Errorf("Cause = %v, want %v", f.Cause, tt.cause)
			}
			if f.Attempts != 3 || res.Attempts != 3 {
				t.Errorf("Attempts = %d/%d, want 3", f.Attempts, res.Attempts)
			}
			if remote.calls() != 3 {
				t.Errorf("remote called %d times, want 3", remote.calls())
			}
			if !errors.Is(res.Err(), resilience.ErrMaxRetriesExceeded) {
				t.Errorf("err = %v, want ErrMaxRetriesExceeded", res.Err())
			}

			waits := rec.recorded()
			if len(waits) != len(tt.waits) {
				t.Fatalf("waits = %v, want %v", waits, tt.waits)
			}
			for i := range waits {
				if waits[i] != tt.waits[i] {
					t.Errorf("wait %d = %v, want %v", i, waits[i], tt.waits[i])
				}
			}
		})
	}
}

func TestGenerate_FailuresNotCached(t *testing.T) {
	remote := &fakeRemote{respond: failFirst(1, errors.New("boom"))}
	c, _ := newTestClient(t, remote, Config{MaxRetries: 1})

	if res := c.Generate(context.Background(), "hi", llm.Params{}); res.OK() {
		t.Fatal("first call should fail")
	}
	res := c.Generate(context.Background(), "hi", llm.Params{})
	if !res.OK() || res.Cached {
		t.Errorf("second call = %+v, want a fresh success", res)
	}
}

func TestGenerate_RetryAfterSurfaced(t *testing.T) {
	remote := &fakeRemote{respond: failing(&llm.StatusError{StatusCode: 429, RetryAfter: 3 * time.Minute})}
	c, rec := newTestClient(t, remote, Config{MaxRetries: 2})

	res := c.Generate(context.Background(), "hi", llm.Params{})

	if res.Failure == nil || res.Failure.RetryAfter != 3*time.Minute {
		t.Fatalf("Failure = %+v, want RetryAfter 3m", res.Failure)
	}
	if waits := rec.recorded(); len(waits) != 1 || waits[0] != 3*time.Minute {
		t.Errorf("waits = %v, want [3m]", waits)
	}
}

func TestGenerate_EventualSuccess(t *testing.T) {
	remote := &fakeRemote{respond: failFirst(1, errors.New("blip"))}
	c, rec := newTestClient(t, remote, Config{})

	res := c.Generate(context.Background(), "hi", llm.Params{})

	if !res.OK() || res.Text != "recovered" || res.Attempts != 2 {
		t.Errorf("Generate() = %+v, want recovered after 2 attempts", res)
	}
	if waits := rec.recorded(); len(waits) != 1 || waits[0] != 5*time.Second {
		t.Errorf("waits = %v, want [5s]", waits)
	}
	if got := c.Stats().Retries; got != 1 {
		t.Errorf("Retries = %d, want 1", got)
	}
}

func TestGenerate_PayloadTooLargeShrinks(t *testing.T) {
	remote := &fakeRemote{respond: failFirst(2, &llm.StatusError{StatusCode: 413, Message: "too large"})}
	c, rec := newTestClient(t, remote, Config{})

	res := c.Generate(context.Background(), "hi", llm.Params{MaxOutputTokens: 600})

	if !res.OK() {
		t.Fatalf("Generate() failed: %v", res.Err())
	}
	want := []int{600, 300, 200}
	for i, w := range want {
		if got := remote.request(i).MaxOutputTokens; got != w {
			t.Errorf("attempt %d MaxOutputTokens = %d, want %d", i+1, got, w)
		}
	}
	if waits := rec.recorded(); len(waits) != 0 {
		t.Errorf("waits = %v, want none", waits)
	}
	if c.Breaker().State() != resilience.StateClosed || c.Breaker().Metrics().Failures != 0 {
		t.Error("payload failures must not count against the circuit")
	}
}

func TestGenerate_PayloadTooLargeTightensInput(t *testing.T) {
	big := strings.Repeat("abcd", 2000) // 2000 tokens
	remote := &fakeRemote{respond: failFirst(1, &llm.StatusError{StatusCode: 413})}
	c, _ := newTestClient(t, remote, Config{
		ContextLimits: llm.ContextLimits{"small": 4000},
		Model:         "small",
	})

	conv := []llm.Message{llm.User(big), llm.User(big)}
	res := c.Chat(context.Background(), conv, llm.Params{MaxOutputTokens: 1000})
	if !res.OK() {
		t.Fatalf("Chat() failed: %v", res.Err())
	}

	first := tokens.EstimateMessages(remote.request(0).Messages)
	second := tokens.EstimateMessages(remote.request(1).Messages)
	if first > tokens.Available(4000, 1000) {
		t.Errorf("first attempt size %d exceeds budget", first)
	}
	if second > tokens.Available(3000, 500) {
		t.Errorf("second attempt size %d, want <= %d", second, tokens.Available(3000, 500))
	}
}

func TestGenerate_ModelFallback(t *testing.T) {
	remote := &fakeRemote{respond: func(n int, req llm.Request) (llm.Completion, error) {
		if req.Model == "primary" {
			return llm.Completion{}, &llm.StatusError{StatusCode: 404, Message: "model primary not found"}
		}
		return llm.Completion{Text: "from backup", Model: req.Model}, nil
	}}
	c, rec := newTestClient(t, remote, Config{Model: "primary", FallbackModel: "backup"})

	res := c.Generate(context.Background(), "hi", llm.Params{})

	if !res.OK() || res.Model != "backup" || res.Text != "from backup" {
		t.Errorf("Generate() = %+v, want success from backup", res)
	}
	if remote.request(1).Model != "backup" {
		t.Errorf("second attempt model = %q, want backup", remote.request(1).Model)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("fallback should not wait, got %v", rec.recorded())
	}
}

func TestGenerate_CircuitOpenSkipsRemote(t *testing.T) {
	remote := &fakeRemote{respond: failing(errors.New("down"))}
	c, _ := newTestClient(t, remote, Config{
		FailureThreshold: 2,
		MaxRetries:       1,
		DisableCache:     true,
	})
	ctx := context.Background()

	c.Generate(ctx, "one", llm.Params{})
	c.Generate(ctx, "two", llm.Params{})
	if c.Breaker().State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", c.Breaker().State())
	}

	res := c.Generate(ctx, "three", llm.Params{})
	if res.OK() {
		t.Fatal("third call should fail")
	}
	if res.Failure.Cause != llm.KindOverloaded {
		t.Errorf("Cause = %v, want overloaded", res.Failure.Cause)
	}
	if remote.calls() != 2 {
		t.Errorf("remote called %d times, want 2", remote.calls())
	}

	stats := c.Stats()
	if stats.CircuitState != resilience.StateOpen || stats.FailureCount != 2 || stats.Failures != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestGenerate_Truncates(t *testing.T) {
	remote := &fakeRemote{}
	c, _ := newTestClient(t, remote, Config{ContextLimits: llm.ContextLimits{"tiny": 1000}})

	conv := []llm.Message{llm.System("rules")}
	for i := 0; i < 20; i++ {
		conv = append(conv, llm.User(strings.Repeat("x", 200)))
	}

	res := c.Chat(context.Background(), conv, llm.Params{Model: "tiny", MaxOutputTokens: 200})
	if !res.OK() {
		t.Fatalf("Chat() failed: %v", res.Err())
	}

	req := remote.request(0)
	if size := tokens.EstimateMessages(req.Messages); size > 300 {
		t.Errorf("sent %d tokens, want <= 300", size)
	}
	if req.Messages[0].Role != llm.RoleSystem {
		t.Error("system message must survive truncation")
	}
}

func TestGenerate_ContextCanceled(t *testing.T) {
	remote := &fakeRemote{}
	c, _ := newTestClient(t, remote, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Generate(ctx, "hi", llm.Params{})
	if res.OK() {
		t.Fatal("Generate() should fail on a cancelled context")
	}
	if res.Failure.Kind != llm.KindTerminal || res.Failure.Cause != llm.KindTimeout {
		t.Errorf("Failure = %+v, want terminal timeout", res.Failure)
	}
	if remote.calls() != 0 {
		t.Errorf("remote called %d times, want 0", remote.calls())
	}
}

func TestGenerateMultiple(t *testing.T) {
	remote := &fakeRemote{respond: func(n int, req llm.Request) (llm.Completion, error) {
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "bad") {
			return llm.Completion{}, errors.New("rejected")
		}
		return llm.Completion{Text: "ok:" + req.Messages[len(req.Messages)-1].Content}, nil
	}}
	c, rec := newTestClient(t, remote, Config{MaxRetries: 1})

	results := c.GenerateMultiple(context.Background(), []string{"a", "bad", "c"}, llm.Params{}, 2*time.Second)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Text != "ok:a" || results[2].Text != "ok:c" {
		t.Errorf("results = %+v", results)
	}
	if results[1].OK() {
		t.Error("results[1] should be a failure")
	}

	waits := rec.recorded()
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 2*time.Second {
		t.Errorf("waits = %v, want two 2s delays", waits)
	}
}

func TestGenerateMultiple_Empty(t *testing.T) {
	c, rec := newTestClient(t, &fakeRemote{}, Config{})

	if results := c.GenerateMultiple(context.Background(), nil, llm.Params{}, time.Second); len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
	if len(rec.recorded()) != 0 {
		t.Error("no delay expected for an empty batch")
	}
}

func TestClient_ConcurrentIdenticalCalls(t *testing.T) {
	release := make(chan struct{})
	remote := &fakeRemote{respond: func(n int, req llm.Request) (llm.Completion, error) {
		<-release
		return llm.Completion{Text: "shared"}, nil
	}}
	c, _ := newTestClient(t, remote, Config{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]llm.Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Generate(context.Background(), "same", llm.Params{})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, r := range results {
		if !r.OK() || r.Text != "shared" {
			t.Errorf("results[%d] = %+v", i, r)
		}
	}
	if remote.calls() != 1 {
		t.Errorf("remote called %d times, want 1", remote.calls())
	}
	if got := c.Stats().ActiveRequests; got != 0 {
		t.Errorf("ActiveRequests = %d, want 0 after completion", got)
	}
}

func TestClient_CanceledCallerDoesNotFailIdenticalCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{respond: func(n int, req llm.Request) (llm.Completion, error) {
		if n == 1 {
			close(started)
		}
		select {
		case <-release:
			return llm.Completion{Text: "shared"}, nil
		case <-time.After(5 * time.Second):
			return llm.Completion{}, errors.New("never released")
		}
	}}
	c, _ := newTestClient(t, remote, Config{MaxRetries: 1})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan llm.Result, 1)
	go func() { first <- c.Generate(firstCtx, "same", llm.Params{}) }()
	<-started

	second := make(chan llm.Result, 1)
	go func() { second <- c.Generate(context.Background(), "same", llm.Params{}) }()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if r := <-first; r.OK() {
		t.Errorf("canceled caller = %+v, want a failure", r)
	}

	close(release)
	r := <-second
	if !r.OK() || r.Text != "shared" || !r.Cached {
		t.Errorf("second caller = %+v, want the shared text", r)
	}
	if remote.calls() != 1 {
		t.Errorf("remote called %d times, want 1", remote.calls())
	}
}

func TestClient_SharedFailureIsNotACacheHit(t *testing.T) {
	release := make(chan struct{})
	remote := &fakeRemote{respond: func(int, llm.Request) (llm.Completion, error) {
		<-release
		return llm.Completion{}, errors.New("down")
	}}
	c, _ := newTestClient(t, remote, Config{MaxRetries: 1})

	var wg sync.WaitGroup
	results := make([]llm.Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Generate(context.Background(), "same", llm.Params{})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, r := range results {
		if r.OK() || r.Cached {
			t.Errorf("results[%d] = %+v, want an uncached failure", i, r)
		}
	}
	if got := c.Stats().CacheHits; got != 0 {
		t.Errorf("CacheHits = %d, want 0", got)
	}
}

// transitionRecorder captures breaker transitions.
type transitionRecorder struct {
	observe.Metrics
	mu          sync.Mutex
	transitions []string
	retryKinds  []llm.ErrorKind
}

func (r *transitionRecorder) RecordBreakerTransition(_ context.Context, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *transitionRecorder) RecordRetry(_ context.Context, _ observe.CallMeta, kind llm.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryKinds = append(r.retryKinds, kind)
}

func TestClient_Telemetry(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	metrics := &transitionRecorder{Metrics: observe.NopMetrics()}
	mw := observe.NewMiddleware(observe.NewTracer(tp.Tracer("test")), metrics, nil)

	remote := &fakeRemote{respond: failing(errors.New("down"))}
	c, _ := newTestClient(t, remote, Config{FailureThreshold: 2, MaxRetries: 2}, WithMiddleware(mw))

	c.Generate(context.Background(), "hi", llm.Params{})

	var parent, attempts int
	for _, s := range recorder.Ended() {
		switch s.Name() {
		case "llm.generate":
			parent++
		case "llm.complete":
			attempts++
		}
	}
	if parent != 1 || attempts != 2 {
		t.Errorf("spans: generate=%d complete=%d, want 1 and 2", parent, attempts)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.transitions) != 1 || metrics.transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", metrics.transitions)
	}
	if len(metrics.retryKinds) != 1 || metrics.retryKinds[0] != llm.KindTransient {
		t.Errorf("retry kinds = %v, want [transient]", metrics.retryKinds)
	}
}
