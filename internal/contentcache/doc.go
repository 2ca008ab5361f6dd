// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package contentcache stores media objects under their media id with a
// BadgerDB index, a hard size budget, and LRU eviction that never touches
// pinned entries. Downloads are resumable, verified against an expected
// SHA-256 digest before install, and quarantined on mismatch rather than
// retried silently.
//
// The cache owns its directory tree exclusively:
//
//	<root>/objects/     installed media, content named by media id
//	<root>/quarantine/  blobs that failed verification
//	<root>/tmp/         partial downloads awaiting resume
//	<root>/index/       badger entry index
package contentcache
