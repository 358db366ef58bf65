package config

import (
	"fmt"
	"time"
)

// EmbeddingConfig configures the multimodal embedding provider.
type EmbeddingConfig struct {
	Provider string        `mapstructure:"provider"` // only "jina" is supported
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RateLimit caps outbound requests per second; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// Validate checks that the embedding configuration has all required fields.
// Returns an error describing the first validation failure, or nil if valid.
func (c *EmbeddingConfig) Validate() error {
	switch c.Provider {
	case "jina":
	default:
		return fmt.Errorf("embedding: unknown provider %q", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("embedding: model is required")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("embedding: rate_limit must not be negative")
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		return fmt.Errorf("embedding: burst must be positive when rate_limit is set")
	}
	return nil
}

// Enabled reports whether requests can actually be sent.
func (c *EmbeddingConfig) Enabled() bool {
	return c.APIKey != ""
}
