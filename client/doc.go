// Package client provides the resilient front for a remote text-generation
// service.
//
// A Client owns one response cache, one circuit breaker, and one admission
// controller, and shares them across all concurrent callers. Every call is
// truncated to the model's context window, looked up in the cache, and then
// sent through a bounded retry loop whose waits and payload adjustments come
// from a RetryPolicy keyed on the failure classification.
//
// Callers never see a raw error: Generate, Chat, and GenerateMultiple return
// llm.Result values that either carry text or a typed llm.Failure.
package client
