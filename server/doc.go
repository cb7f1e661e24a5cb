// Package server exposes a client over HTTP.
//
// Routes:
//
//	POST /v1/generate   single prompt, body GenerateRequest
//	POST /v1/chat       caller-built conversation, body ChatRequest
//	GET  /v1/stats      client.Stats
//	GET  /metrics       Prometheus exposition
//	GET  /healthz, /readyz, /health, /health/{name}
//
// Generation responses are llm.Result documents. A failed call keeps the
// Result body and maps its cause to the status code: rate limited to 429,
// payload too large to 413, timeout to 504, overloaded to 503 and anything
// else to 502. Invalid conversations are 400.
//
// Requests pass through recovery, request ID, logging and metrics, an
// optional per-client token bucket, and optional API key or JWT
// authentication. Probe paths skip rate limiting and authentication.
package server
