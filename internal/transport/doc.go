// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package transport carries all traffic between the agent and the control
// plane: mutually-authenticated request/response with retry and backoff, a
// persistent duplex websocket channel, and a connectivity probe.
//
// Durability for side-effects does not live here; callers that must survive
// restarts enqueue through the outbound spool instead of calling the client
// directly.
package transport
