package server

import "time"

// Config configures the HTTP front door.
type Config struct {
	// Addr is the listen address.
	// Default: ":8080"
	Addr string `mapstructure:"addr"`

	// ReadTimeout bounds reading a request.
	// Default: 15 seconds
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout bounds writing a response. It must cover the slowest
	// retried generation.
	// Default: 10 minutes
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestsPerSecond is the per-client ingress rate. Zero disables
	// ingress limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// Burst is the ingress token bucket size.
	// Default: 2 * RequestsPerSecond, at least 1
	Burst int `mapstructure:"burst"`

	// Auth configures inbound authentication. With neither API keys nor a
	// JWT secret, the API is open.
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig configures inbound authentication.
type AuthConfig struct {
	// APIKeys are accepted in the X-API-Key header.
	APIKeys []string `mapstructure:"api_keys"`

	// JWTSecret is the HMAC key for bearer tokens.
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTIssuer, when set, must match the iss claim.
	JWTIssuer string `mapstructure:"jwt_issuer"`

	// JWTAudience, when set, must be in the aud claim.
	JWTAudience string `mapstructure:"jwt_audience"`
}

// Enabled reports whether any authenticator is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0 || a.JWTSecret != ""
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		c.Burst = max(1, int(2*c.RequestsPerSecond))
	}
}
