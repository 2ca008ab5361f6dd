// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package shipper

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tomtom215/kioskd/internal/logging"
)

// activeLogName is the file currently being written; the shipper never
// bundles it.
const activeLogName = "agent.log"

// Rotator owns the agent's rotating log file. Size-based rotation is
// lumberjack's; interval rotation is a ticker calling Rotate so quiet
// devices still produce bundleable files.
type Rotator struct {
	lj       *lumberjack.Logger
	interval time.Duration
}

// NewRotator creates a Rotator writing to dir/agent.log.
func NewRotator(dir string, maxBytes int64, compress bool, interval time.Duration) *Rotator {
	maxMB := int(maxBytes >> 20)
	if maxMB < 1 {
		maxMB = 1
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Rotator{
		lj: &lumberjack.Logger{
			Filename: filepath.Join(dir, activeLogName),
			MaxSize:  maxMB,
			Compress: compress,
		},
		interval: interval,
	}
}

// Writer returns the log sink to hand to logging.Init.
func (r *Rotator) Writer() io.Writer { return r.lj }

// Serve implements suture.Service, rotating on the configured interval.
func (r *Rotator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.lj.Rotate(); err != nil {
				logging.Warn().Err(err).Msg("log rotation failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (r *Rotator) String() string { return "log-rotator" }
