// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package spool is the durable outbound queue. Heartbeats, proof-of-play
// batches, command acknowledgements, and log-bundle notices are persisted to
// BadgerDB before any delivery attempt, so records survive restarts and
// extended offline periods.
//
// Each record kind keeps FIFO order independently; the drain loop visits
// kinds round-robin so one backed-up kind cannot starve the others. Delivery
// outcomes decide the record's fate: success deletes it, a permanent
// rejection drops it, anything else leaves it queued with a per-record
// retry-after deadline.
package spool
