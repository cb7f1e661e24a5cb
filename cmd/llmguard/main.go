// Command llmguard sends prompts to an OpenAI-compatible model through a
// rate-limited, cached, circuit-broken client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/llmguard/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	model      string
	noCache    bool

	cfg *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "llmguard:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "llmguard",
		Version:       version,
		Short:         "Resilient LLM client",
		Long:          "llmguard calls an OpenAI-compatible API with rate limiting, response caching, payload truncation, retries and a circuit breaker.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			if opts.model != "" {
				cfg.Client.Model = opts.model
			}
			if opts.noCache {
				cfg.Client.DisableCache = true
			}
			opts.cfg = cfg
			return cfg.Validate()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default: llmguard.yaml in ., ./configs or ~/.config/llmguard)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVarP(&opts.model, "model", "m", "", "model to call (overrides client.model)")
	pf.BoolVar(&opts.noCache, "no-cache", false, "disable the response cache")

	root.AddCommand(
		newGenerateCmd(opts),
		newChatCmd(opts),
		newBatchCmd(opts),
		newServeCmd(opts),
		newSessionsCmd(opts),
	)
	return root
}
