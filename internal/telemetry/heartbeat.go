// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package telemetry collects the periodic device heartbeat: system stats,
// playback position, and agent uptime, enqueued through the outbound spool.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/spool"
)

// Heartbeat is one telemetry sample.
type Heartbeat struct {
	DeviceID string    `json:"device_id"`
	At       time.Time `json:"at"`

	CPUPercent float64 `json:"cpu_percent"`
	MemUsed    uint64  `json:"mem_used"`
	MemTotal   uint64  `json:"mem_total"`
	DiskUsed   uint64  `json:"disk_used"`
	DiskTotal  uint64  `json:"disk_total"`

	// TemperatureC is the hottest sensor reading, when any exists.
	TemperatureC *float64 `json:"temperature_c,omitempty"`

	UptimeSec  int64  `json:"uptime_sec"`
	Version    string `json:"version"`
	State      string `json:"state"`
	ScheduleID string `json:"schedule_id,omitempty"`
	MediaID    string `json:"media_id,omitempty"`
}

// Playback reports what the agent is presenting right now.
// *player.Controller satisfies it.
type Playback interface {
	Now() (scheduleID, mediaID string)
	StateName() string
}

// Enqueuer is the durable outbound queue.
type Enqueuer interface {
	Enqueue(kind string, payload any) error
}

// Options configures a Reporter.
type Options struct {
	// DeviceID stamps every heartbeat. Required.
	DeviceID string

	// Spool receives heartbeats. Required.
	Spool Enqueuer

	// Playback may be nil before the controller exists.
	Playback Playback

	// DiskPath is the mount the cache lives on. Default: "/".
	DiskPath string

	// Interval is the heartbeat cadence. Default: 60s.
	Interval time.Duration

	// Version is the agent build version.
	Version string
}

// Reporter samples the system on a fixed cadence and spools heartbeats.
type Reporter struct {
	opts      Options
	startedAt time.Time
}

// New creates a Reporter.
func New(opts Options) (*Reporter, error) {
	if opts.DeviceID == "" || opts.Spool == nil {
		return nil, fmt.Errorf("telemetry: device id and spool required")
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Reporter{opts: opts, startedAt: time.Now()}, nil
}

// Serve implements suture.Service.
func (r *Reporter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (r *Reporter) String() string { return "telemetry-reporter" }

func (r *Reporter) beat(ctx context.Context) {
	hb := r.Sample(ctx)
	if err := r.opts.Spool.Enqueue(spool.KindHeartbeat, hb); err != nil {
		logging.Error().Err(err).Msg("failed to spool heartbeat")
		metrics.HeartbeatsSent.WithLabelValues("spool_error").Inc()
		return
	}
	metrics.HeartbeatsSent.WithLabelValues("enqueued").Inc()
}

// Sample collects one heartbeat. Sensor failures degrade to partial data
// rather than failing the beat.
func (r *Reporter) Sample(ctx context.Context) Heartbeat {
	hb := Heartbeat{
		DeviceID:  r.opts.DeviceID,
		At:        time.Now().UTC(),
		UptimeSec: int64(time.Since(r.startedAt).Seconds()),
		Version:   r.opts.Version,
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		hb.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemUsed = vm.Used
		hb.MemTotal = vm.Total
	}
	if du, err := disk.UsageWithContext(ctx, r.opts.DiskPath); err == nil {
		hb.DiskUsed = du.Used
		hb.DiskTotal = du.Total
	}
	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if hb.TemperatureC == nil || t.Temperature > *hb.TemperatureC {
				v := t.Temperature
				hb.TemperatureC = &v
			}
		}
	}

	if r.opts.Playback != nil {
		hb.ScheduleID, hb.MediaID = r.opts.Playback.Now()
		hb.State = r.opts.Playback.StateName()
	}
	return hb
}
