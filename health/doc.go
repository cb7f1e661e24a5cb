// Package health reports whether a resilient client can currently reach
// its remote model service.
//
// A Checker reports one component as Healthy, Degraded, or Unhealthy. The
// package ships checkers for the client's circuit breaker, its admission
// controller, and a cheap remote probe:
//
//	agg := health.NewAggregator()
//	agg.Register("circuit", health.NewBreakerChecker("circuit", c.Breaker()))
//	agg.Register("admission", health.NewAdmissionChecker("admission", c.Admission(), health.AdmissionCheckerConfig{}))
//	agg.Register("remote", health.NewRemoteChecker("remote", provider, health.RemoteCheckerConfig{}))
//
// An open circuit makes the aggregate unhealthy; a half-open circuit or a
// nearly saturated admission window makes it degraded.
//
// # HTTP Endpoints
//
// RegisterHandlers mounts the probes on a mux:
//
//	/healthz        liveness, no checks
//	/readyz         plain-text aggregate status
//	/health         JSON report of every check
//	/health/{name}  JSON report of one check
package health
