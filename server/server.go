package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/llmguard/client"
	"github.com/jonwraymond/llmguard/health"
	"github.com/jonwraymond/llmguard/llm"
	"github.com/jonwraymond/llmguard/observe"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// ErrNilClient is returned by New without an LLM.
var ErrNilClient = errors.New("server: client is nil")

// LLM is the part of client.Client the server exposes.
type LLM interface {
	Generate(ctx context.Context, prompt string, params llm.Params) llm.Result
	Chat(ctx context.Context, msgs []llm.Message, params llm.Params) llm.Result
	Stats() client.Stats
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l observe.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealth serves the aggregator's probes under /healthz, /readyz and
// /health.
func WithHealth(agg *health.Aggregator) Option {
	return func(s *Server) { s.health = agg }
}

// WithGatherer adds a metrics source to /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherers = append(s.gatherers, g)
		}
	}
}

// Server is the HTTP front door of a client.
type Server struct {
	cfg       Config
	llm       LLM
	health    *health.Aggregator
	logger    observe.Logger
	registry  *prometheus.Registry
	gatherers prometheus.Gatherers
	handler   http.Handler
}

// New creates a Server for c.
func New(cfg Config, c LLM, opts ...Option) (*Server, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	// Apply defaults
	cfg.applyDefaults()

	s := &Server{
		cfg:      cfg,
		llm:      c,
		logger:   observe.NopLogger(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// The default gatherer carries the runtime collectors and, when the
	// prometheus exporter is enabled, the OpenTelemetry instruments.
	s.registry.MustRegister(newStatsCollector(c))
	s.gatherers = append(prometheus.Gatherers{s.registry, prometheus.DefaultGatherer}, s.gatherers...)

	mux := http.NewServeMux()
	s.routes(mux)

	probes := map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}
	middlewares := []Middleware{
		recoveryMiddleware(s.logger),
		requestIDMiddleware,
		loggingMiddleware(s.logger, newHTTPMetrics(s.registry), probes),
	}
	if cfg.RequestsPerSecond > 0 {
		middlewares = append(middlewares, rateLimitMiddleware(cfg.RequestsPerSecond, cfg.Burst, probes))
	}
	if cfg.Auth.Enabled() {
		middlewares = append(middlewares, authMiddleware(authenticatorsFor(cfg.Auth), s.logger, probes))
	}
	s.handler = Chain(mux, middlewares...)

	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, routed(pattern, h))
	}

	handle("POST /v1/generate", s.handleGenerate)
	handle("POST /v1/chat", s.handleChat)
	handle("GET /v1/stats", s.handleStats)
	mux.Handle("GET /metrics", routed("GET /metrics", promhttp.HandlerFor(s.gatherers, promhttp.HandlerOpts{})))

	if s.health != nil {
		handle("GET /healthz", health.LivenessHandler())
		handle("GET /readyz", health.ReadinessHandler(s.health))
		handle("GET /health", health.DetailedHandler(s.health))
		handle("GET /health/{name}", health.SingleCheckHandler(s.health))
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting HTTP server", observe.F("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info(context.WithoutCancel(ctx), "shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt string     `json:"prompt"`
	Params llm.Params `json:"params"`
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Messages []llm.Message `json:"messages"`
	Params   llm.Params    `json:"params"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeProblem(w, r, http.StatusBadRequest, "prompt is required")
		return
	}
	writeResult(w, s.llm.Generate(r.Context(), req.Prompt, req.Params))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := llm.Validate(req.Messages); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.llm.Chat(r.Context(), req.Messages, req.Params))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.llm.Stats())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeResult writes res with a status derived from its failure cause.
func writeResult(w http.ResponseWriter, res llm.Result) {
	if res.OK() {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if res.Failure.RetryAfter > 0 {
		secs := int((res.Failure.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, failureStatus(res.Failure), res)
}

// failureStatus maps a failure to the HTTP status reported to the caller.
func failureStatus(f *llm.Failure) int {
	if errors.Is(f, llm.ErrEmptyConversation) || errors.Is(f, llm.ErrInvalidRole) {
		return http.StatusBadRequest
	}
	switch f.Cause {
	case llm.KindRateLimited:
		return http.StatusTooManyRequests
	case llm.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case llm.KindTimeout:
		return http.StatusGatewayTimeout
	case llm.KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
