// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/kioskd/config.yaml",
	"/etc/kioskd/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "KIOSKD_CONFIG"

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if it exists)
//  3. Environment variables: override any setting
//
// Precedence: ENV > file > defaults. Returns a validated Config; a validation
// failure here is fatal at boot.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated env strings become slices for known slice fields
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// they arrive as env strings.
var sliceConfigPaths = []string{
	"security.allowed_source_domains",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings; the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML): nothing to do
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables return "" and are skipped, so arbitrary environment
// noise cannot pollute the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Endpoints
		"kioskd_base_url":   "endpoints.base_url",
		"kioskd_duplex_url": "endpoints.duplex_url",

		// Cache
		"kioskd_cache_root":           "cache.root",
		"kioskd_cache_max_bytes":      "cache.max_bytes",
		"kioskd_prefetch_concurrency": "cache.prefetch_concurrency",
		"kioskd_prefetch_horizon":     "cache.prefetch_horizon",
		"kioskd_bandwidth_mbps":       "cache.bandwidth_mbps",

		// Intervals
		"kioskd_heartbeat_interval":     "intervals.heartbeat",
		"kioskd_snapshot_poll_interval": "intervals.snapshot_poll",
		"kioskd_command_poll_interval":  "intervals.command_poll",
		"kioskd_health_check_interval":  "intervals.health_check",

		// Mutual TLS
		"kioskd_mtls_enabled":       "mtls.enabled",
		"kioskd_secrets_dir":        "mtls.secrets_dir",
		"kioskd_mtls_auto_renew":    "mtls.auto_renew",
		"kioskd_mtls_renew_before":  "mtls.renew_before_days",

		// Spool
		"kioskd_spool_path":           "spool.path",
		"kioskd_spool_max_per_kind":   "spool.max_per_kind",
		"kioskd_spool_max_attempts":   "spool.max_attempts",
		"kioskd_spool_drain_interval": "spool.drain_interval",

		// Health surface
		"kioskd_health_addr": "health.addr",

		// Logging
		"log_level":                  "logging.level",
		"log_format":                 "logging.format",
		"log_caller":                 "logging.caller",
		"kioskd_log_dir":             "logging.dir",
		"kioskd_log_rotate_bytes":    "logging.rotate_bytes",
		"kioskd_log_rotate_interval": "logging.rotate_interval",
		"kioskd_log_compress":        "logging.compress",

		// Shipper
		"kioskd_shipper_enabled":   "shipper.enabled",
		"kioskd_shipper_interval":  "shipper.interval",
		"kioskd_shipper_retention": "shipper.retention_days",

		// Power schedule
		"kioskd_power_enabled":  "power.enabled",
		"kioskd_power_on_time":  "power.on_time",
		"kioskd_power_off_time": "power.off_time",

		// Security
		"kioskd_allowed_source_domains": "security.allowed_source_domains",
		"kioskd_command_rate_window":    "security.command_rate_window",

		// Device
		"kioskd_device_description": "device.description",
		"kioskd_renderer_socket":    "device.renderer_socket",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
