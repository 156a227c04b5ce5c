package nifi

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds NiFi connection configuration.
type Config struct {
	// BaseURL is the NiFi address, with or without the /nifi-api suffix.
	BaseURL string

	// Token is sent as a Bearer token when set.
	Token string

	// VerifySSL enables TLS certificate verification.
	VerifySSL bool

	// SandboxParent is the process group sandboxes are created under.
	// Empty means the root group.
	SandboxParent string

	// RequestTimeout bounds a single HTTP exchange. Callers usually pass a
	// shorter context deadline.
	RequestTimeout time.Duration

	// RequestsPerSecond throttles all requests of the client.
	RequestsPerSecond float64

	// Burst is the number of requests allowed above the rate.
	Burst int

	// UserAgent is sent on every request.
	UserAgent string

	// MaxErrorBody bounds how much of an error response is kept in messages.
	MaxErrorBody int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:           baseURL,
		VerifySSL:         true,
		RequestTimeout:    60 * time.Second,
		RequestsPerSecond: 20,
		Burst:             5,
		UserAgent:         "flowmend/1.0",
		MaxErrorBody:      2048,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL has no host")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}

	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1")
	}

	return nil
}

func (c *Config) sandboxParent() string {
	if c.SandboxParent == "" {
		return rootGroup
	}
	return c.SandboxParent
}
