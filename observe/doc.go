// Package observe provides observability primitives for remote generation
// calls.
//
// It is a pure instrumentation library: no execution, no transport, no I/O
// beyond exporter and log file setup. The client wires a Middleware around
// its remote attempts and whole operations; the server exposes the
// Prometheus reader through its metrics endpoint.
package observe
