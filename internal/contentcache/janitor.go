// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package contentcache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/tomtom215/kioskd/internal/logging"
)

const (
	janitorInterval     = time.Hour
	quarantineRetention = 7 * 24 * time.Hour
	partRetention       = 24 * time.Hour
)

// Janitor periodically removes quarantined blobs past their retention and
// stale partial downloads nothing will ever resume.
type Janitor struct {
	cache *Cache
}

// NewJanitor returns the housekeeping service for cache.
func NewJanitor(cache *Cache) *Janitor {
	return &Janitor{cache: cache}
}

// Serve implements suture.Service.
func (j *Janitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	j.sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep()
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (j *Janitor) String() string { return "cache-janitor" }

func (j *Janitor) sweep() {
	removed := 0
	removed += sweepDir(quarantineDir(j.cache.root), quarantineRetention)
	removed += sweepDir(tmpDir(j.cache.root), partRetention)
	if removed > 0 {
		logging.Info().Int("removed", removed).Msg("cache janitor swept stale files")
	}
}

func sweepDir(dir string, retention time.Duration) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, f := range files {
		info, err := f.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, f.Name())) == nil {
			removed++
		}
	}
	return removed
}
