// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// hhmmRe matches the HH:MM clock format used by the power schedule.
var hhmmRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Validate checks the configuration for fatal-at-boot problems.
// A non-nil error means the agent must not start (exit code fatal-config).
func (c *Config) Validate() error {
	if c.Endpoints.BaseURL == "" {
		return fmt.Errorf("endpoints.base_url is required")
	}
	if err := validateURL(c.Endpoints.BaseURL, "https", "http"); err != nil {
		return fmt.Errorf("endpoints.base_url: %w", err)
	}
	if c.Endpoints.DuplexURL != "" {
		if err := validateURL(c.Endpoints.DuplexURL, "wss", "ws"); err != nil {
			return fmt.Errorf("endpoints.duplex_url: %w", err)
		}
	}

	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive, got %d", c.Cache.MaxBytes)
	}
	if c.Cache.PrefetchConcurrency < 1 {
		return fmt.Errorf("cache.prefetch_concurrency must be at least 1, got %d", c.Cache.PrefetchConcurrency)
	}
	if c.Cache.PrefetchHorizon < 0 {
		return fmt.Errorf("cache.prefetch_horizon must not be negative, got %d", c.Cache.PrefetchHorizon)
	}
	if c.Cache.BandwidthMbps < 0 {
		return fmt.Errorf("cache.bandwidth_mbps must not be negative, got %f", c.Cache.BandwidthMbps)
	}

	if c.Intervals.Heartbeat <= 0 {
		return fmt.Errorf("intervals.heartbeat must be positive")
	}
	if c.Intervals.SnapshotPoll <= 0 {
		return fmt.Errorf("intervals.snapshot_poll must be positive")
	}
	if c.Intervals.CommandPoll <= 0 {
		return fmt.Errorf("intervals.command_poll must be positive")
	}
	if c.Intervals.HealthCheck <= 0 {
		return fmt.Errorf("intervals.health_check must be positive")
	}

	if c.MTLS.Enabled && c.MTLS.SecretsDir == "" {
		return fmt.Errorf("mtls.secrets_dir is required when mtls is enabled")
	}
	if c.MTLS.RenewBeforeDays < 0 {
		return fmt.Errorf("mtls.renew_before_days must not be negative, got %d", c.MTLS.RenewBeforeDays)
	}

	if c.Spool.Path == "" {
		return fmt.Errorf("spool.path is required")
	}
	if c.Spool.MaxPerKind < 1 {
		return fmt.Errorf("spool.max_per_kind must be at least 1, got %d", c.Spool.MaxPerKind)
	}
	if c.Spool.MaxAttempts < 1 {
		return fmt.Errorf("spool.max_attempts must be at least 1, got %d", c.Spool.MaxAttempts)
	}
	if c.Spool.DrainInterval <= 0 {
		return fmt.Errorf("spool.drain_interval must be positive")
	}

	if err := validateLoopbackAddr(c.Health.Addr); err != nil {
		return fmt.Errorf("health.addr: %w", err)
	}

	if c.Power.Enabled {
		if !hhmmRe.MatchString(c.Power.OnTime) {
			return fmt.Errorf("power.on_time %q is not HH:MM", c.Power.OnTime)
		}
		if !hhmmRe.MatchString(c.Power.OffTime) {
			return fmt.Errorf("power.off_time %q is not HH:MM", c.Power.OffTime)
		}
		if c.Power.OnTime == c.Power.OffTime {
			return fmt.Errorf("power.on_time and power.off_time must differ")
		}
	}

	if c.Security.CommandRateWindow <= 0 {
		return fmt.Errorf("security.command_rate_window must be positive")
	}
	for _, d := range c.Security.AllowedSourceDomains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("security.allowed_source_domains contains an empty entry")
		}
	}

	if c.Shipper.Enabled {
		if c.Shipper.Interval <= 0 {
			return fmt.Errorf("shipper.interval must be positive")
		}
		if c.Shipper.RetentionDays < 1 {
			return fmt.Errorf("shipper.retention_days must be at least 1, got %d", c.Shipper.RetentionDays)
		}
	}

	return nil
}

// validateURL parses raw and requires one of the given schemes and a host.
func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("URL scheme %q not allowed (want one of %v)", u.Scheme, schemes)
}

// validateLoopbackAddr ensures the operator surface cannot be bound to a
// routable interface. The surface carries no authentication, so the loopback
// binding is the security boundary.
func validateLoopbackAddr(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q is not a loopback interface", addr)
	}
	return nil
}
