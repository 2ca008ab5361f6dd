// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package config

import "time"

// Config is the root configuration for the agent.
//
// Loading is layered: built-in defaults, then an optional YAML file, then
// environment variables. See LoadWithKoanf.
type Config struct {
	Endpoints EndpointsConfig `koanf:"endpoints"`
	Cache     CacheConfig     `koanf:"cache"`
	Intervals IntervalsConfig `koanf:"intervals"`
	MTLS      MTLSConfig      `koanf:"mtls"`
	Spool     SpoolConfig     `koanf:"spool"`
	Health    HealthConfig    `koanf:"health"`
	Logging   LogConfig       `koanf:"logging"`
	Shipper   ShipperConfig   `koanf:"shipper"`
	Power     PowerConfig     `koanf:"power"`
	Security  SecurityConfig  `koanf:"security"`
	Device    DeviceConfig    `koanf:"device"`
}

// EndpointsConfig names the control plane surfaces the agent talks to.
type EndpointsConfig struct {
	// BaseURL is the control-plane REST base, e.g. https://cp.example.com/api/v1
	BaseURL string `koanf:"base_url"`

	// DuplexURL is the persistent channel endpoint (wss scheme).
	// Empty disables the duplex channel; the agent falls back to polling only.
	DuplexURL string `koanf:"duplex_url"`
}

// CacheConfig bounds the content-addressed media cache.
type CacheConfig struct {
	// Root is the cache directory; the cache owns this tree exclusively.
	Root string `koanf:"root"`

	// MaxBytes caps the total size of ready entries.
	MaxBytes int64 `koanf:"max_bytes"`

	// PrefetchConcurrency is the download worker pool size.
	PrefetchConcurrency int `koanf:"prefetch_concurrency"`

	// PrefetchHorizon is how many upcoming playlist items to prefetch and pin.
	PrefetchHorizon int `koanf:"prefetch_horizon"`

	// BandwidthMbps is the rolling download budget in megabits per second.
	// Zero pauses all downloads.
	BandwidthMbps float64 `koanf:"bandwidth_mbps"`
}

// IntervalsConfig holds the periodic task cadences.
type IntervalsConfig struct {
	Heartbeat    time.Duration `koanf:"heartbeat"`
	SnapshotPoll time.Duration `koanf:"snapshot_poll"`
	CommandPoll  time.Duration `koanf:"command_poll"`
	HealthCheck  time.Duration `koanf:"health_check"`
}

// MTLSConfig controls mutual TLS toward the control plane.
type MTLSConfig struct {
	Enabled bool `koanf:"enabled"`

	// SecretsDir holds client.key, client.crt and ca.crt (owner-only).
	SecretsDir string `koanf:"secrets_dir"`

	// AutoRenew enables certificate renewal before expiry.
	AutoRenew bool `koanf:"auto_renew"`

	// RenewBeforeDays is the renewal lead time.
	RenewBeforeDays int `koanf:"renew_before_days"`
}

// SpoolConfig bounds the durable outbound queue.
type SpoolConfig struct {
	// Path is the badger directory for outbound records.
	Path string `koanf:"path"`

	// MaxPerKind caps queued records per kind; overflow discards the oldest
	// record of the same kind.
	MaxPerKind int `koanf:"max_per_kind"`

	// MaxAttempts drops a record after this many delivery failures.
	MaxAttempts int `koanf:"max_attempts"`

	// DrainInterval is the cadence of the background drain loop.
	DrainInterval time.Duration `koanf:"drain_interval"`
}

// HealthConfig configures the loopback-only operator surface.
type HealthConfig struct {
	// Addr must stay on the loopback interface; Validate rejects anything else.
	Addr string `koanf:"addr"`
}

// LogConfig configures agent logging and rotation of its own log files.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`

	// Dir is where rotated log files live; the log shipper bundles from here.
	Dir string `koanf:"dir"`

	RotateBytes    int64         `koanf:"rotate_bytes"`
	RotateInterval time.Duration `koanf:"rotate_interval"`
	Compress       bool          `koanf:"compress"`
}

// ShipperConfig controls log bundle uploads.
type ShipperConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Interval      time.Duration `koanf:"interval"`
	RetentionDays int           `koanf:"retention_days"`
}

// PowerConfig is the display power schedule. The agent validates and reports
// it; the rendering surface enforces it.
type PowerConfig struct {
	Enabled bool   `koanf:"enabled"`
	OnTime  string `koanf:"on_time"`  // HH:MM
	OffTime string `koanf:"off_time"` // HH:MM
}

// SecurityConfig holds content and command policy.
type SecurityConfig struct {
	// AllowedSourceDomains restricts url-type playlist items.
	AllowedSourceDomains []string `koanf:"allowed_source_domains"`

	// CommandRateWindow is the per-kind command execution window.
	// Documented default: one minute.
	CommandRateWindow time.Duration `koanf:"command_rate_window"`
}

// DeviceConfig describes this device during pairing and how it reaches
// the rendering surface.
type DeviceConfig struct {
	Description string `koanf:"description"`

	// RendererSocket is the unix socket of the compositor's control
	// endpoint. Empty selects the logging renderer, which only records
	// presentation directives.
	RendererSocket string `koanf:"renderer_socket"`
}

// defaultConfig returns a Config with all defaults applied. These are layered
// first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Endpoints: EndpointsConfig{
			BaseURL:   "",
			DuplexURL: "",
		},
		Cache: CacheConfig{
			Root:                "/var/lib/kioskd/cache",
			MaxBytes:            8 << 30, // 8GB
			PrefetchConcurrency: 3,
			PrefetchHorizon:     5,
			BandwidthMbps:       50.0,
		},
		Intervals: IntervalsConfig{
			Heartbeat:    60 * time.Second,
			SnapshotPoll: 30 * time.Second,
			CommandPoll:  15 * time.Second,
			HealthCheck:  10 * time.Second,
		},
		MTLS: MTLSConfig{
			Enabled:         true,
			SecretsDir:      "/var/lib/kioskd/secrets",
			AutoRenew:       true,
			RenewBeforeDays: 30,
		},
		Spool: SpoolConfig{
			Path:          "/var/lib/kioskd/cache/outbound-queue",
			MaxPerKind:    10000,
			MaxAttempts:   10,
			DrainInterval: 15 * time.Second,
		},
		Health: HealthConfig{
			Addr: "127.0.0.1:9180",
		},
		Logging: LogConfig{
			Level:          "info",
			Format:         "json",
			Caller:         false,
			Dir:            "/var/lib/kioskd/cache/logs",
			RotateBytes:    10 << 20, // 10MB
			RotateInterval: 24 * time.Hour,
			Compress:       true,
		},
		Shipper: ShipperConfig{
			Enabled:       true,
			Interval:      24 * time.Hour,
			RetentionDays: 7,
		},
		Power: PowerConfig{
			Enabled: false,
			OnTime:  "07:00",
			OffTime: "22:00",
		},
		Security: SecurityConfig{
			AllowedSourceDomains: []string{},
			CommandRateWindow:    time.Minute,
		},
		Device: DeviceConfig{
			Description:    "",
			RendererSocket: "",
		},
	}
}
