// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package player is the playback controller: a state machine arbitrating
// between the timeline scheduler's events, the snapshot manager's emergency
// and default items, and the rendering surface. It is the only consumer of
// scheduler events and the component that decides what the screen shows.
package player
