package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/llmguard/llm"
)

// LoadFunc produces the value for a cache miss.
type LoadFunc func(ctx context.Context) (string, error)

// Middleware wraps response generation with caching.
//
// Concurrent misses for the same key share one LoadFunc execution. The
// shared load runs on a context detached from any single caller and is
// cancelled only once every caller waiting on it has gone. Each waiting
// caller still honors its own context.
type Middleware struct {
	cache  Cache
	keyer  Keyer
	policy Policy
	group  singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared context of one in-progress load and the number of
// callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewMiddleware creates a new cache middleware.
// If keyer is nil, a RequestKeyer with the default bucket is used.
func NewMiddleware(cache Cache, keyer Keyer, policy Policy) *Middleware {
	if keyer == nil {
		keyer = NewRequestKeyer(DefaultBucket)
	}
	return &Middleware{
		cache:   cache,
		keyer:   keyer,
		policy:  policy,
		flights: make(map[string]*flight),
	}
}

// Execute returns the cached response for req, or runs load and caches its
// result. The boolean reports whether the value came from the cache or from
// another caller's in-flight load rather than from this caller's load.
// Errors are NOT cached.
func (m *Middleware) Execute(ctx context.Context, req llm.Request, load LoadFunc) (string, bool, error) {
	// Check if caching is enabled by policy
	if m.cache == nil || !m.policy.ShouldCache() {
		v, err := load(ctx)
		return v, false, err
	}

	// Generate cache key
	key, err := m.keyer.Key(req)
	if err != nil {
		// Key generation failed - execute without caching
		v, err := load(ctx)
		return v, false, err
	}

	// Check cache
	if cached, ok := m.cache.Get(ctx, key); ok {
		return cached, true, nil
	}

	f := m.join(ctx, key)
	defer m.leave(key, f)

	leader := false
	ch := m.group.DoChan(key, func() (any, error) {
		leader = true

		// A load that finished while this caller was checking may have
		// filled the entry already.
		if cached, ok := m.cache.Get(f.ctx, key); ok {
			return cached, nil
		}

		result, err := load(f.ctx)
		if err != nil {
			// Don't cache errors
			return result, err
		}

		if ttl := m.policy.EffectiveTTL(0); ttl > 0 {
			_ = m.cache.Set(f.ctx, key, result, ttl)
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(string)
		return v, !leader, res.Err
	}
}

// join registers the caller as a waiter on key's flight, starting one
// detached from ctx if none is in progress.
func (m *Middleware) join(ctx context.Context, key string) *flight {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		m.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops the caller from f. The last caller to leave cancels the
// shared load and forgets the key, so a later miss starts a fresh load
// rather than joining a cancelled one.
func (m *Middleware) leave(key string, f *flight) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[key] == f {
		delete(m.flights, key)
		m.group.Forget(key)
	}
}

// Key exposes the key the middleware would use for req.
func (m *Middleware) Key(req llm.Request) (string, error) {
	return m.keyer.Key(req)
}

// Cache returns the underlying cache.
func (m *Middleware) Cache() Cache {
	return m.cache
}
