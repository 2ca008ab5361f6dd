// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package snapshot fetches, validates, and persists the device's "what to
// show" decision. Every accepted snapshot is written to a last-known-good
// file before subscribers hear about it, so a device that ever held a valid
// schedule can keep presenting it across reboots without network.
package snapshot
