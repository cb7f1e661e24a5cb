// Package cache provides a bounded, time-bucketed response cache for
// remote generation calls.
//
// It provides a Cache interface with a capacity-bounded memory
// implementation, SHA-256 request keys that include a coarse time bucket,
// TTL policies, and a middleware that collapses concurrent identical misses
// into one call.
//
// The time bucket is part of the key on purpose: identical requests made
// within one bucket share a response, while requests made in different
// buckets never do, whatever the TTL.
package cache
