package main

import (
	"github.com/spf13/cobra"

	"github.com/jonwraymond/llmguard/health"
	"github.com/jonwraymond/llmguard/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr        string
		probeRemote bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the client over HTTP",
		Long: `Serve the client over HTTP until interrupted.

Routes: POST /v1/generate, POST /v1/chat, GET /v1/stats, GET /metrics and
the health probes /healthz, /readyz, /health and /health/{name}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				srv, err := server.New(opts.cfg.Server, a.client,
					server.WithLogger(a.logger),
					server.WithHealth(newHealth(a, probeRemote)),
				)
				if err != nil {
					return err
				}
				return srv.ListenAndServe(cmd.Context())
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&probeRemote, "probe-remote", true, "include a remote API probe in readiness")
	return cmd
}

// newHealth registers the client's checkers.
func newHealth(a *app, probeRemote bool) *health.Aggregator {
	agg := health.NewAggregator(health.AggregatorConfig{Parallel: true, Logger: a.logger})
	agg.Register("circuit", health.NewBreakerChecker("circuit", a.client.Breaker()))
	agg.Register("admission", health.NewAdmissionChecker("admission", a.client.Admission(), health.AdmissionCheckerConfig{}))
	if probeRemote {
		agg.Register("remote", health.NewRemoteChecker("remote", a.provider, health.RemoteCheckerConfig{}))
	}
	return agg
}
