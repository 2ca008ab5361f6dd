// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
)

// ErrInvalid marks a snapshot that failed structural validation; the
// previous snapshot stays in force.
var ErrInvalid = errors.New("snapshot: invalid snapshot")

// API is the control-plane surface the manager needs. *transport.Client
// satisfies it.
type API interface {
	GetJSON(ctx context.Context, path string, out any) error
}

// Options configures a Manager.
type Options struct {
	// API fetches snapshots. Required.
	API API

	// DeviceID addresses the device's snapshot endpoint.
	DeviceID string

	// Path is the last-known-good file. The manager owns it exclusively.
	Path string

	// Interval is the periodic refresh cadence. Default: 30s.
	Interval time.Duration

	// AllowedSourceDomains restricts where url-type items may point. An
	// empty list allows every domain. A subdomain of an allowed domain is
	// allowed too.
	AllowedSourceDomains []string
}

// Manager keeps the device's current snapshot: periodic refresh, push
// refresh via Kick, validation, last-known-good persistence, and
// subscriber notification.
type Manager struct {
	api      API
	deviceID string
	path     string
	interval time.Duration
	allowed  []string
	validate *validator.Validate

	refreshMu sync.Mutex // serializes Refresh

	mu       sync.RWMutex
	current  *Snapshot
	degraded bool
	subs     []chan *Snapshot

	kick chan struct{}
}

// New creates a Manager and loads the last-known-good snapshot when one
// exists. A corrupt file is logged and ignored; the agent starts empty.
func New(opts Options) (*Manager, error) {
	if opts.API == nil {
		return nil, errors.New("snapshot: API required")
	}
	if opts.Path == "" {
		return nil, errors.New("snapshot: path required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	m := &Manager{
		api:      opts.API,
		deviceID: opts.DeviceID,
		path:     opts.Path,
		interval: opts.Interval,
		allowed:  opts.AllowedSourceDomains,
		validate: validator.New(),
		kick:     make(chan struct{}, 1),
	}

	if snap, err := m.loadLastKnownGood(); err != nil {
		logging.Warn().Err(err).Str("path", opts.Path).Msg("last-known-good snapshot unreadable, starting empty")
	} else if snap != nil {
		m.current = snap
		metrics.SnapshotLastSync.Set(float64(snap.FetchedAt.Unix()))
		logging.Info().
			Str("schedule_id", snap.ScheduleID).
			Int64("version", snap.Version).
			Int("items", len(snap.Items)).
			Msg("loaded last-known-good snapshot")
	}
	return m, nil
}

// Current returns the snapshot in force, which may be nil before the first
// successful fetch.
func (m *Manager) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Degraded reports whether the last refresh fell back to the
// last-known-good snapshot.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// Subscribe returns a channel receiving each newly accepted snapshot. A
// slow subscriber sees only the latest value; intermediate snapshots are
// dropped.
func (m *Manager) Subscribe() <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Kick requests an out-of-cadence refresh, typically after a push
// notification on the duplex channel. Non-blocking.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Serve implements suture.Service: refresh on the configured cadence and on
// every Kick.
func (m *Manager) Serve(ctx context.Context) error {
	// First refresh straight away so boot does not wait a full interval.
	if _, err := m.Refresh(ctx); err != nil {
		logging.Warn().Err(err).Msg("initial snapshot refresh failed")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.kick:
		}
		if _, err := m.Refresh(ctx); err != nil {
			logging.Warn().Err(err).Msg("snapshot refresh failed")
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (m *Manager) String() string { return "snapshot-manager" }

// Refresh fetches the current snapshot. On transport failure, or while the
// control plane does not provide the endpoint yet (404/501), it returns the
// last-known-good without error and marks the manager degraded. Concurrent
// calls are serialized.
func (m *Manager) Refresh(ctx context.Context) (*Snapshot, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	var fetched Snapshot
	path := fmt.Sprintf("/devices/%s/snapshot", url.PathEscape(m.deviceID))
	err := m.api.GetJSON(ctx, path, &fetched)
	if err != nil {
		if isNotProvided(err) || isTransportFailure(err) {
			m.setDegraded(true)
			metrics.SnapshotRefreshes.WithLabelValues("degraded").Inc()
			logging.Debug().Err(err).Msg("snapshot fetch unavailable, holding last-known-good")
			return m.Current(), nil
		}
		metrics.SnapshotRefreshes.WithLabelValues("degraded").Inc()
		return m.Current(), fmt.Errorf("snapshot: fetch: %w", err)
	}

	fetched.FetchedAt = time.Now().UTC()
	if err := m.validate.Struct(&fetched); err != nil {
		metrics.SnapshotRefreshes.WithLabelValues("invalid").Inc()
		logging.Error().Err(err).Str("schedule_id", fetched.ScheduleID).Msg("snapshot failed validation, keeping previous")
		return m.Current(), fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if dropped := m.dropDisallowedSources(&fetched); dropped > 0 {
		logging.Error().
			Int("dropped", dropped).
			Str("schedule_id", fetched.ScheduleID).
			Msg("url items outside the allowed source domains removed")
	}

	m.setDegraded(false)
	metrics.SnapshotLastSync.Set(float64(fetched.FetchedAt.Unix()))

	if fetched.Same(m.Current()) {
		metrics.SnapshotRefreshes.WithLabelValues("unchanged").Inc()
		return m.Current(), nil
	}

	if err := m.persist(&fetched); err != nil {
		// The new snapshot still takes effect in memory; only reboot
		// durability is at risk.
		logging.Error().Err(err).Msg("failed to persist last-known-good snapshot")
	}

	m.mu.Lock()
	m.current = &fetched
	subs := make([]chan *Snapshot, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- &fetched:
		default:
			// Replace the stale value so the subscriber wakes to the
			// newest snapshot.
			select {
			case <-ch:
			default:
			}
			ch <- &fetched
		}
	}

	metrics.SnapshotRefreshes.WithLabelValues("changed").Inc()
	logging.Info().
		Str("schedule_id", fetched.ScheduleID).
		Int64("version", fetched.Version).
		Int("items", len(fetched.Items)).
		Bool("emergency", fetched.ActiveEmergency() != nil).
		Msg("snapshot updated")
	return &fetched, nil
}

// dropDisallowedSources removes url-type items whose source host is not
// covered by the configured allowlist, returning how many were removed.
// Emergency and default items are held to the same policy.
func (m *Manager) dropDisallowedSources(snap *Snapshot) int {
	if len(m.allowed) == 0 {
		return 0
	}

	dropped := 0
	kept := snap.Items[:0]
	for _, item := range snap.Items {
		if m.sourceAllowed(item) {
			kept = append(kept, item)
		} else {
			dropped++
		}
	}
	snap.Items = kept

	if snap.Emergency != nil && !m.sourceAllowed(*snap.Emergency) {
		snap.Emergency = nil
		snap.EmergencyActive = false
		dropped++
	}
	if snap.Default != nil && !m.sourceAllowed(*snap.Default) {
		snap.Default = nil
		dropped++
	}
	return dropped
}

// sourceAllowed applies the domain allowlist to url-type items; other media
// types always pass, their bytes go through the digest-verified cache.
func (m *Manager) sourceAllowed(item PlaylistItem) bool {
	if item.MediaType != MediaURL {
		return true
	}
	u, err := url.Parse(item.SourceURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range m.allowed {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func (m *Manager) setDegraded(v bool) {
	m.mu.Lock()
	m.degraded = v
	m.mu.Unlock()
}

// isNotProvided matches 404/501: the control plane does not serve the
// snapshot endpoint (yet).
func isNotProvided(err error) bool {
	var carrier interface {
		error
		HTTPStatus() int
	}
	if !errors.As(err, &carrier) {
		return false
	}
	code := carrier.HTTPStatus()
	return code == http.StatusNotFound || code == http.StatusNotImplemented
}

// isTransportFailure matches errors with no HTTP status at all: the network
// or the breaker, not the control plane's answer.
func isTransportFailure(err error) bool {
	var carrier interface {
		error
		HTTPStatus() int
	}
	return !errors.As(err, &carrier)
}

// persist writes the last-known-good file atomically.
func (m *Manager) persist(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *Manager) loadLastKnownGood() (*Snapshot, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if err := m.validate.Struct(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &snap, nil
}
