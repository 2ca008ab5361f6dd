// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package services adapts components that do not natively implement
// suture.Service so they can live in the supervision tree.
//
// Two adapters cover the agent's needs:
//
//   - HTTPServerService wraps an *http.Server, translating its blocking
//     ListenAndServe into a supervised Serve with graceful Shutdown on
//     context cancellation.
//   - StartStopService wraps anything with Start(ctx)/Stop(ctx)
//     lifecycle methods, such as an external renderer process handle.
//
// Components written for the agent (spool, snapshot manager, playback
// controller, health server, ...) implement suture.Service directly and
// need no adapter.
package services
