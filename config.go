package oauth

import (
	"log/slog"
	"time"
)

// Config holds the HTTP handler configuration.
type Config struct {
	// RateLimit limits requests per client IP.
	RateLimit RateLimitConfig

	// MaxFormBytes bounds request bodies (default: 64 KiB).
	MaxFormBytes int64

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs (default: 10000).
	MaxEntries int

	// RetryAfter is sent with 429 responses (default: 1 minute).
	RetryAfter time.Duration
}

const defaultMaxFormBytes = 64 << 10

func (c *Config) applyDefaults() {
	if c.MaxFormBytes <= 0 {
		c.MaxFormBytes = defaultMaxFormBytes
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.MaxEntries <= 0 {
		c.RateLimit.MaxEntries = 10000
	}
	if c.RateLimit.RetryAfter <= 0 {
		c.RateLimit.RetryAfter = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
