// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package health serves the loopback-only operator surface: a JSON
// health report on /healthz and Prometheus metrics on /metrics. The
// server refuses to bind anything but a loopback address; remote
// management goes through the control plane, never through this port.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/kioskd/internal/contentcache"
	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/snapshot"
	"github.com/tomtom215/kioskd/internal/spool"
	"github.com/tomtom215/kioskd/internal/telemetry"
	"github.com/tomtom215/kioskd/internal/timeline"
)

// Status values reported by /healthz.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CacheStats is the slice of the content cache the report reads.
type CacheStats interface {
	Stats() contentcache.Stats
}

// Snapshots is the slice of the snapshot manager the report reads.
type Snapshots interface {
	Current() *snapshot.Snapshot
	Degraded() bool
}

// Playback is the slice of the playback controller the report reads.
type Playback interface {
	StateName() string
	LastError() string
	JitterStats() timeline.JitterStats
}

// Depths reports outbound queue depth per kind. *spool.Spool satisfies it.
type Depths interface {
	Depth(kind string) int
}

// Sampler supplies system stats. *telemetry.Reporter satisfies it.
type Sampler interface {
	Sample(ctx context.Context) telemetry.Heartbeat
}

// PowerSchedule is the display on/off window the agent validates and
// reports; the compositor enforces it.
type PowerSchedule struct {
	Enabled bool   `json:"enabled"`
	OnTime  string `json:"on_time,omitempty"`
	OffTime string `json:"off_time,omitempty"`
}

// Options wires a Server.
type Options struct {
	// Addr must resolve to a loopback address. Default: 127.0.0.1:8090.
	Addr string

	Version   string
	StartedAt time.Time

	// All report sources are optional; absent ones are omitted from the
	// payload.
	Cache     CacheStats
	Snapshots Snapshots
	Playback  Playback
	Spool     Depths
	Errors    *Ring
	System    Sampler

	// Power is the configured display schedule, reported verbatim.
	Power *PowerSchedule
}

// Report is the /healthz payload.
type Report struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	UptimeSec int64  `json:"uptime_sec"`

	State     string `json:"state,omitempty"`
	LastError string `json:"last_error,omitempty"`

	LastSync         *time.Time `json:"last_sync,omitempty"`
	SnapshotDegraded bool       `json:"snapshot_degraded"`

	Cache        *contentcache.Stats   `json:"cache,omitempty"`
	Spool        map[string]int        `json:"spool,omitempty"`
	Jitter       *timeline.JitterStats `json:"jitter,omitempty"`
	RecentErrors []ErrorRecord         `json:"recent_errors,omitempty"`
	System       *telemetry.Heartbeat  `json:"system,omitempty"`
	Power        *PowerSchedule        `json:"power,omitempty"`
}

// Server is the loopback health listener.
type Server struct {
	opts    Options
	handler http.Handler

	mu sync.Mutex
	ln net.Listener
}

// New creates a Server, rejecting non-loopback bind addresses.
func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8090"
	}
	host, _, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("health: invalid addr %q: %w", opts.Addr, err)
	}
	if !isLoopbackHost(host) {
		return nil, fmt.Errorf("health: refusing to bind non-loopback address %q", opts.Addr)
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	s.handler = r

	return s, nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Serve implements suture.Service: listen until the context ends, then
// shut down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Info().Str("addr", ln.Addr().String()).Msg("health server listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logging.Warn().Err(err).Msg("health server shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string { return "health-server" }

// Addr returns the bound address once Serve has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	rep := s.report(r.Context())

	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if rep.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		logging.Debug().Err(err).Msg("healthz encode failed")
	}
}

// report assembles the payload from whatever sources are wired.
func (s *Server) report(ctx context.Context) Report {
	rep := Report{
		Status:    StatusHealthy,
		Version:   s.opts.Version,
		UptimeSec: int64(time.Since(s.opts.StartedAt).Seconds()),
	}

	if s.opts.Snapshots != nil {
		rep.SnapshotDegraded = s.opts.Snapshots.Degraded()
		if snap := s.opts.Snapshots.Current(); snap != nil && !snap.FetchedAt.IsZero() {
			t := snap.FetchedAt
			rep.LastSync = &t
		}
	}
	if s.opts.Playback != nil {
		rep.State = s.opts.Playback.StateName()
		rep.LastError = s.opts.Playback.LastError()
		js := s.opts.Playback.JitterStats()
		rep.Jitter = &js
	}
	if s.opts.Cache != nil {
		cs := s.opts.Cache.Stats()
		rep.Cache = &cs
	}
	if s.opts.Spool != nil {
		rep.Spool = map[string]int{
			spool.KindHeartbeat:  s.opts.Spool.Depth(spool.KindHeartbeat),
			spool.KindPop:        s.opts.Spool.Depth(spool.KindPop),
			spool.KindCommandAck: s.opts.Spool.Depth(spool.KindCommandAck),
			spool.KindLogBundle:  s.opts.Spool.Depth(spool.KindLogBundle),
		}
	}
	if s.opts.Errors != nil {
		rep.RecentErrors = s.opts.Errors.Recent()
	}
	if s.opts.System != nil {
		hb := s.opts.System.Sample(ctx)
		rep.System = &hb
	}
	rep.Power = s.opts.Power

	switch {
	case rep.State == "error":
		rep.Status = StatusUnhealthy
	case rep.SnapshotDegraded || rep.State == "offline-fallback":
		rep.Status = StatusDegraded
	}
	return rep
}
