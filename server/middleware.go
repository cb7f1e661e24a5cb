package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/jonwraymond/llmguard/observe"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

type requestIDKey struct{}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestIDMiddleware propagates X-Request-ID or assigns a new one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// httpMetrics are the Prometheus collectors of one server.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmguard_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// loggingMiddleware logs each request and records its metrics. Probe paths
// are counted but not logged.
func loggingMiddleware(logger observe.Logger, metrics *httpMetrics, quiet map[string]bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			route := sw.route
			if route == "" {
				route = "unmatched"
			}

			if !quiet[r.URL.Path] {
				logger.Info(r.Context(), "http request",
					observe.F("method", r.Method),
					observe.F("path", r.URL.Path),
					observe.F("status", sw.status),
					observe.F("duration_ms", duration.Milliseconds()),
					observe.F("request_id", RequestID(r.Context())),
				)
			}

			metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			metrics.duration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500 response.
func recoveryMiddleware(logger observe.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error(r.Context(), "panic recovered",
						observe.F("panic", rec),
						observe.F("path", r.URL.Path),
						observe.F("request_id", RequestID(r.Context())),
					)
					writeProblem(w, r, http.StatusInternalServerError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies a per-client token bucket. Exempt paths
// bypass it.
func rateLimitMiddleware(rps float64, burst int, exempt map[string]bool) Middleware {
	rl := &clientLimiter{limit: rate.Limit(rps), burst: burst}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !exempt[r.URL.Path] && !rl.allow(clientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware rejects requests that no authenticator accepts. Exempt
// paths bypass it.
func authMiddleware(auths []Authenticator, logger observe.Logger, exempt map[string]bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			id, err := authenticate(auths, r)
			if err != nil {
				logger.Debug(r.Context(), "authentication failed",
					observe.F("path", r.URL.Path),
					observe.F("reason", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="llmguard"`)
				writeProblem(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// clientLimiter tracks one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *clientLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries == nil {
		l.entries = make(map[string]*limiterEntry)
	}

	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= 10000 {
			l.pruneLocked(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now

	return e.limiter.AllowN(now, 1)
}

// pruneLocked drops clients idle for 10 minutes.
func (l *clientLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-10 * time.Minute)
	for ip, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// clientIP extracts the client address of r.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusWriter captures the response status code and the matched route.
type statusWriter struct {
	http.ResponseWriter
	status      int
	route       string
	wroteHeader bool
}

// routed records pattern as the metrics label of requests served by h.
func routed(pattern string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sw, ok := w.(*statusWriter); ok {
			sw.route = pattern
		}
		h.ServeHTTP(w, r)
	})
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
