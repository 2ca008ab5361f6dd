// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package metrics defines the Prometheus collectors for the agent.
// Exposed on the loopback surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Content cache

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kioskd_cache_size_bytes",
			Help: "Total bytes of ready cache entries",
		},
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kioskd_cache_entries",
			Help: "Cache entries by status",
		},
		[]string{"status"}, // pending, downloading, ready, quarantined, error
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_cache_evictions_total",
			Help: "Total cache entries evicted under size pressure",
		},
	)

	CacheQuarantines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_cache_quarantines_total",
			Help: "Total downloads quarantined after digest mismatch",
		},
	)

	CacheInstallBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_cache_install_bytes_total",
			Help: "Total bytes downloaded into the cache",
		},
	)

	// Outbound spool

	SpoolDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kioskd_spool_depth",
			Help: "Pending outbound records by kind",
		},
		[]string{"kind"},
	)

	SpoolDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_spool_delivered_total",
			Help: "Outbound records delivered by kind",
		},
		[]string{"kind"},
	)

	SpoolDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_spool_dropped_total",
			Help: "Outbound records dropped by kind and reason",
		},
		[]string{"kind", "reason"}, // reason: rejected, exhausted, overflow
	)

	// Snapshot manager

	SnapshotRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_snapshot_refreshes_total",
			Help: "Snapshot refresh attempts by outcome",
		},
		[]string{"outcome"}, // changed, unchanged, degraded, invalid
	)

	SnapshotLastSync = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kioskd_snapshot_last_sync_timestamp_seconds",
			Help: "Unix time of the last successful snapshot fetch",
		},
	)

	// Timeline scheduler

	SchedulerJitter = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kioskd_scheduler_jitter_seconds",
			Help:    "Observed minus planned item start",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	SchedulerItemsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_scheduler_items_started_total",
			Help: "Playlist items presented",
		},
	)

	SchedulerLoops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_scheduler_loops_total",
			Help: "Completed playlist loops",
		},
	)

	// Player controller

	PlayerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kioskd_player_state",
			Help: "Current player state (1 for active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	RendererRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_renderer_restarts_total",
			Help: "Rendering surface restarts after crashes",
		},
	)

	// Transport

	TransportRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_transport_requests_total",
			Help: "Control-plane requests by outcome",
		},
		[]string{"outcome"}, // ok, client_error, server_error, transport_error
	)

	TransportRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_transport_retries_total",
			Help: "Request retries under backoff",
		},
	)

	DuplexReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_duplex_reconnects_total",
			Help: "Duplex channel reconnections",
		},
	)

	// Commands

	CommandsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_commands_executed_total",
			Help: "Commands executed by kind and result",
		},
		[]string{"kind", "result"}, // result: ok, error, rate_limited, expired, duplicate
	)

	// Proof of play

	PopEventsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_pop_events_total",
			Help: "Proof-of-play events recorded",
		},
	)

	PopDuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_pop_duplicates_dropped_total",
			Help: "Proof-of-play events dropped as duplicates",
		},
	)

	// Telemetry

	HeartbeatsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_heartbeats_total",
			Help: "Heartbeats enqueued by outcome",
		},
		[]string{"outcome"}, // enqueued, spool_error
	)

	// Log shipper

	LogBundles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_log_bundles_total",
			Help: "Log bundles by outcome",
		},
		[]string{"outcome"}, // uploaded, failed, disabled
	)
)

// SetPlayerState flips the state gauge family so exactly one state is 1.
func SetPlayerState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1.0
		}
		PlayerState.WithLabelValues(s).Set(v)
	}
}
