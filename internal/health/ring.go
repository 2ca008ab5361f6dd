// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultRingCapacity bounds the recent-errors window when none is given.
const defaultRingCapacity = 32

// ErrorRecord is one captured error-level log line.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Ring keeps the most recent error-level log messages for the health
// surface. It implements zerolog.Hook; install it on the global logger
// with logging.SetLogger(logging.Logger().Hook(ring)).
type Ring struct {
	mu   sync.Mutex
	buf  []ErrorRecord
	next int
	full bool
}

// NewRing creates a Ring holding up to capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{buf: make([]ErrorRecord, capacity)}
}

// Run implements zerolog.Hook, capturing error-level and worse.
func (r *Ring) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.ErrorLevel || message == "" {
		return
	}
	r.Record(message)
}

// Record appends one message, overwriting the oldest when full.
func (r *Ring) Record(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ErrorRecord{At: time.Now().UTC(), Message: message}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the captured records, newest first.
func (r *Ring) Recent() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]ErrorRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
