// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package timeline turns a playlist into timed playback events. Deadlines
// are computed from the monotonic clock so a system suspend cannot replay
// or skip items, and every observed start is measured against its planned
// start to track scheduling jitter.
package timeline
