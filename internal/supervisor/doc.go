// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package supervisor builds the agent's suture supervision tree.
//
// Every long-running component implements suture.Service (Serve(ctx)
// plus String()) and is attached to one of four child supervisors under
// the root:
//
//	kioskd
//	├── data-layer      spool drainer, cache janitor, log rotator, log shipper
//	├── playback-layer  snapshot manager, prefetch planner, playback controller
//	├── network-layer   duplex channel, command channel, telemetry reporter
//	└── api-layer       loopback health server
//
// Layering bounds the blast radius of a crash: a panicking network
// component is restarted with backoff while playback keeps presenting
// from the last-known-good snapshot. Supervision events are logged
// through sutureslog, bridged into the agent's zerolog stream by
// NewEventLogger.
//
// Shutdown is context cancellation fanning out from the root: the spool
// runs its bounded final drain, the scheduler emits its Stopped event,
// and the health server closes its listener, each within the tree's
// shutdown timeout.
package supervisor
