package openai

import "time"

// DefaultBaseURL is the public OpenAI API.
const DefaultBaseURL = "https://api.openai.com"

// Config holds the provider configuration.
type Config struct {
	// BaseURL is the API root; any OpenAI-compatible gateway works.
	// Default: DefaultBaseURL
	BaseURL string `mapstructure:"base_url"`

	// Model is used when a request does not name one.
	// Default: "gpt-4o-mini"
	Model string `mapstructure:"model"`

	// Timeout bounds one HTTP exchange. The client's call timeout is
	// usually the tighter bound.
	// Default: 2 minutes
	Timeout time.Duration `mapstructure:"timeout"`

	// Organization is sent as OpenAI-Organization when set.
	Organization string `mapstructure:"organization"`
}

// DefaultConfig returns sensible defaults for OpenAI.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Model:   "gpt-4o-mini",
		Timeout: 2 * time.Minute,
	}
}
