// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package config loads and validates the agent configuration.
//
// Configuration is layered with Koanf v2: built-in defaults, then an optional
// YAML file (KIOSKD_CONFIG or the default search paths), then environment
// variables. Validation failures are fatal at boot; a running agent never
// operates on a half-valid configuration.
package config
