package remote

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DevicePlaceholder is replaced by the escaped device ID in PollPath.
const DevicePlaceholder = "{device}"

// Config holds remote API connection configuration.
type Config struct {
	// BaseURL is the root of the remote API
	BaseURL string

	// Token is sent as a bearer token when set
	Token string

	// PollPath is the command long-poll endpoint; may contain {device}
	PollPath string

	// ReportPath is the outcome report endpoint
	ReportPath string

	// HealthPath is checked by the connectivity monitor
	HealthPath string

	// PollTimeout is the caller's deadline for one long poll. The server is
	// asked to hold the request for PollTimeout minus PollGrace so an idle
	// poll ends with an empty answer rather than a client-side timeout.
	PollTimeout time.Duration
	PollGrace   time.Duration

	// ReportTimeout bounds each report request
	ReportTimeout time.Duration

	// HealthTimeout bounds each health check
	HealthTimeout time.Duration

	// MaxRetries is how many times idempotent GETs are retried on network
	// errors, 429, and 5xx before giving up. Reports are never retried here.
	MaxRetries int

	// RetryBaseDelay and RetryMaxDelay bound the wait between GET retries
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// UserAgent is sent with every request
	UserAgent string
}

// DefaultConfig returns a Config with sensible defaults for baseURL.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:        baseURL,
		PollPath:       "/devices/{device}/commands",
		ReportPath:     "/calls/results",
		HealthPath:     "/healthz",
		PollTimeout:    30 * time.Second,
		PollGrace:      5 * time.Second,
		ReportTimeout:  15 * time.Second,
		HealthTimeout:  5 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
		UserAgent:      "callsync",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL has no host")
	}

	for name, p := range map[string]string{
		"poll path":   c.PollPath,
		"report path": c.ReportPath,
		"health path": c.HealthPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	if c.PollTimeout < 0 || c.PollGrace < 0 || c.ReportTimeout < 0 || c.HealthTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// pollHold is the whole number of seconds the server may hold a poll:
// PollTimeout-PollGrace, or half of PollTimeout when the grace would leave
// less than that.
func (c *Config) pollHold() int {
	hold := c.PollTimeout - c.PollGrace
	if hold < c.PollTimeout/2 {
		hold = c.PollTimeout / 2
	}
	return int(hold / time.Second)
}

// pollPath returns the poll endpoint for deviceID.
func (c *Config) pollPath(deviceID string) string {
	return strings.ReplaceAll(c.PollPath, DevicePlaceholder, url.PathEscape(deviceID))
}
