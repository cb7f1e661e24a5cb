// Package config loads llmguard settings from defaults, an optional YAML
// file and LLMGUARD_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonwraymond/llmguard/client"
	"github.com/jonwraymond/llmguard/credential"
	"github.com/jonwraymond/llmguard/observe"
	"github.com/jonwraymond/llmguard/provider/openai"
	"github.com/jonwraymond/llmguard/server"
)

// EnvPrefix prefixes environment overrides: LLMGUARD_CLIENT_MAX_RETRIES
// sets client.max_retries.
const EnvPrefix = "LLMGUARD"

// Sentinel errors.
var (
	ErrNoCredentials = errors.New("config: provider.api_key or provider.jwt.signing_key is required")
	ErrInvalid       = errors.New("config: invalid value")
)

// Config is the complete llmguard configuration.
type Config struct {
	Client    client.Config  `mapstructure:"client"`
	Provider  ProviderConfig `mapstructure:"provider"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Telemetry observe.Config `mapstructure:"telemetry"`
	Server    server.Config  `mapstructure:"server"`
	Session   SessionConfig  `mapstructure:"session"`
}

// ProviderConfig configures the remote endpoint and its credentials.
type ProviderConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Organization string        `mapstructure:"organization"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// APIKey is a literal key, a ${VAR} reference or a secretref.
	APIKey string `mapstructure:"api_key"`

	// JWT signs bearer tokens instead of sending APIKey.
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig configures signed bearer tokens.
type JWTConfig struct {
	// SigningKey is resolved like APIKey.
	SigningKey string `mapstructure:"signing_key"`

	credential.JWTConfig `mapstructure:",squash"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SessionConfig configures conversation sessions.
type SessionConfig struct {
	MaxHistoryTokens int    `mapstructure:"max_history_tokens"`
	DBPath           string `mapstructure:"db_path"`
}

// Load reads configuration from path, or from llmguard.yaml in the working
// directory, ./configs or $HOME/.config/llmguard when path is empty. A
// missing default file is not an error.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// NewViper returns a viper instance with defaults, file and environment
// sources set up.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("llmguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.config/llmguard")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals v into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that constructors would otherwise silently replace
// with defaults.
func (c *Config) Validate() error {
	switch {
	case c.Client.MaxRetries < 0:
		return fmt.Errorf("%w: client.max_retries must not be negative", ErrInvalid)
	case c.Client.MaxRequestsPerMinute < 0, c.Client.MaxConcurrentRequests < 0:
		return fmt.Errorf("%w: client rate limits must not be negative", ErrInvalid)
	case c.Client.FallbackModel != "" && c.Client.FallbackModel == c.Client.Model:
		return fmt.Errorf("%w: client.fallback_model must differ from client.model", ErrInvalid)
	case c.Session.MaxHistoryTokens < 0:
		return fmt.Errorf("%w: session.max_history_tokens must not be negative", ErrInvalid)
	case c.Server.RequestsPerSecond < 0:
		return fmt.Errorf("%w: server.requests_per_second must not be negative", ErrInvalid)
	}

	oc := c.Observe()
	if err := oc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Observe returns the observer configuration. Logging is always enabled.
func (c *Config) Observe() observe.Config {
	oc := c.Telemetry
	if oc.ServiceName == "" {
		oc.ServiceName = "llmguard"
	}
	oc.Logging = observe.LoggingConfig{
		Enabled: true,
		Level:   c.Logging.Level,
		Format:  c.Logging.Format,
		File:    c.Logging.File,
	}
	return oc
}

// OpenAI returns the provider configuration.
func (c *Config) OpenAI() openai.Config {
	return openai.Config{
		BaseURL:      c.Provider.BaseURL,
		Model:        c.Client.Model,
		Timeout:      c.Provider.Timeout,
		Organization: c.Provider.Organization,
	}
}

// Credentials resolves the provider credentials. A JWT signing key takes
// precedence over an API key.
func (p ProviderConfig) Credentials(ctx context.Context) (credential.Source, error) {
	if p.JWT.SigningKey != "" {
		key, err := credential.Resolve(ctx, p.JWT.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("config: provider.jwt.signing_key: %w", err)
		}
		jc := p.JWT.JWTConfig
		jc.Key = []byte(key)
		return credential.NewJWTSource(jc)
	}

	if p.APIKey == "" {
		return nil, ErrNoCredentials
	}
	key, err := credential.Resolve(ctx, p.APIKey)
	if err != nil {
		return nil, fmt.Errorf("config: provider.api_key: %w", err)
	}
	if key == "" {
		return nil, ErrNoCredentials
	}
	return credential.Static(key), nil
}

func setDefaults(v *viper.Viper) {
	cd := client.DefaultConfig()
	v.SetDefault("client.model", cd.Model)
	v.SetDefault("client.fallback_model", "")
	v.SetDefault("client.system_prompt", "")
	v.SetDefault("client.max_output_tokens", cd.MaxOutputTokens)
	v.SetDefault("client.max_requests_per_minute", cd.MaxRequestsPerMinute)
	v.SetDefault("client.max_concurrent_requests", cd.MaxConcurrentRequests)
	v.SetDefault("client.admission_timeout", cd.AdmissionTimeout)
	v.SetDefault("client.call_timeout", cd.CallTimeout)
	v.SetDefault("client.cache_capacity", cd.CacheCapacity)
	v.SetDefault("client.cache_ttl", cd.CacheTTL)
	v.SetDefault("client.cache_bucket", cd.CacheBucket)
	v.SetDefault("client.disable_cache", false)
	v.SetDefault("client.circuit_failure_threshold", cd.FailureThreshold)
	v.SetDefault("client.circuit_recovery_timeout", cd.RecoveryTimeout)
	v.SetDefault("client.max_retries", cd.MaxRetries)
	v.SetDefault("client.inter_request_delay", cd.InterRequestDelay)

	od := openai.DefaultConfig()
	v.SetDefault("provider.base_url", od.BaseURL)
	v.SetDefault("provider.organization", "")
	v.SetDefault("provider.timeout", od.Timeout)
	v.SetDefault("provider.api_key", "${OPENAI_API_KEY}")
	v.SetDefault("provider.jwt.signing_key", "")
	v.SetDefault("provider.jwt.issuer", "llmguard")
	v.SetDefault("provider.jwt.subject", "")
	v.SetDefault("provider.jwt.audience", "")
	v.SetDefault("provider.jwt.key_id", "")
	v.SetDefault("provider.jwt.ttl", 15*time.Minute)
	v.SetDefault("provider.jwt.refresh_before", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("telemetry.service_name", "llmguard")
	v.SetDefault("telemetry.version", "")
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.exporter", "none")
	v.SetDefault("telemetry.tracing.sample_pct", 1.0)
	v.SetDefault("telemetry.tracing.file", "")
	v.SetDefault("telemetry.metrics.enabled", false)
	v.SetDefault("telemetry.metrics.exporter", "none")
	v.SetDefault("telemetry.metrics.file", "")

	sd := server.DefaultConfig()
	v.SetDefault("server.addr", sd.Addr)
	v.SetDefault("server.read_timeout", sd.ReadTimeout)
	v.SetDefault("server.write_timeout", sd.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", sd.ShutdownTimeout)
	v.SetDefault("server.requests_per_second", 0.0)
	v.SetDefault("server.burst", 0)
	v.SetDefault("server.auth.api_keys", []string{})
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.jwt_issuer", "")
	v.SetDefault("server.auth.jwt_audience", "")

	v.SetDefault("session.max_history_tokens", 4000)
	v.SetDefault("session.db_path", "")
}
