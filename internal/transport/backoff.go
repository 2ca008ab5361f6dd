// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes bounded exponential delays with jitter.
// The zero value is unusable; use DefaultBackoff or set Base and Cap.
type Backoff struct {
	// Base is the first delay. Default policy: ~1s.
	Base time.Duration

	// Cap bounds the delay growth. Default policy: ~60s.
	Cap time.Duration
}

// DefaultBackoff returns the agent-wide retry policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 60 * time.Second}
}

// Delay returns the wait before retry attempt n (0-based): Base doubled per
// attempt, capped at Cap, with ±20% jitter so a fleet of devices does not
// reconnect in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	// jitter in [0.8, 1.2)
	d *= 0.8 + 0.4*rand.Float64()
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	return time.Duration(d)
}

// Sleep waits for the attempt's delay or until done is closed/canceled.
// Returns false when interrupted.
func (b Backoff) Sleep(done <-chan struct{}, attempt int) bool {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
