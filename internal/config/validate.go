package config

import (
	"fmt"
	"net/url"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config and returns all errors found. Dangerous
// zero-values are clamped to safe defaults; other problems are
// reported but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.ServerURL == "" {
		errs = append(errs, fmt.Errorf("server_url is required"))
	} else {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.AuthToken != "" {
		for _, r := range c.AuthToken {
			if unicode.IsControl(r) {
				errs = append(errs, fmt.Errorf("auth_token contains control characters"))
				break
			}
		}
	}

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not text or json", c.LogFormat))
	}

	if c.ReconnectBaseMillis < 100 {
		c.ReconnectBaseMillis = 100
	}
	if c.ReconnectMaxMillis < c.ReconnectBaseMillis {
		c.ReconnectMaxMillis = c.ReconnectBaseMillis
	}
	if c.ReconnectMaxAttempts < 1 {
		c.ReconnectMaxAttempts = 1
	}
	if c.LogBufferCapacity < 1 {
		c.LogBufferCapacity = 1
	}
	if c.SnapshotIntervalSeconds < 1 {
		c.SnapshotIntervalSeconds = 1
	}
	if c.CommandTimeoutSeconds < 1 {
		c.CommandTimeoutSeconds = 1
	}

	return errs
}
