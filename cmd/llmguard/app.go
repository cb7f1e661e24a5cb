package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/llmguard/client"
	"github.com/jonwraymond/llmguard/config"
	"github.com/jonwraymond/llmguard/observe"
	"github.com/jonwraymond/llmguard/provider/openai"
)

// app holds the components every subcommand needs.
type app struct {
	cfg      *config.Config
	observer observe.Observer
	logger   observe.Logger
	provider *openai.Provider
	client   *client.Client
}

// newApp wires telemetry, the provider and the client from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	obs, err := observe.NewObserver(ctx, cfg.Observe())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a := &app{cfg: cfg, observer: obs, logger: obs.Logger()}

	mw, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	creds, err := cfg.Provider.Credentials(ctx)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.provider, err = openai.New(cfg.OpenAI(), creds, openai.WithLogger(a.logger))
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.client, err = client.New(a.provider, cfg.Client, client.WithMiddleware(mw))
	if err != nil {
		_ = a.close()
		return nil, err
	}

	a.logger.Debug(ctx, "client ready",
		observe.F("model", cfg.Client.Model),
		observe.F("base_url", cfg.OpenAI().BaseURL),
	)
	return a, nil
}

// close flushes telemetry.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.observer.Shutdown(ctx)
}

// withApp runs fn with a wired app and flushes telemetry afterwards.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app) error) (err error) {
	a, err := newApp(ctx, opts.cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.close())
	}()
	return fn(a)
}
