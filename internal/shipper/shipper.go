// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package shipper bundles rotated log files into a gzip-compressed JSON
// envelope and uploads it through the control plane's presigned-URL flow.
// Shipping runs on a daily cadence and on demand; a control plane that
// answers the presigned-URL request with 404 or 501 does not offer log
// collection, and the shipper disables itself for the process lifetime.
package shipper

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/spool"
)

// API is the control-plane surface the shipper needs. *transport.Client
// satisfies it.
type API interface {
	PostJSON(ctx context.Context, path string, body, out any) error
	Upload(ctx context.Context, rawURL, contentType string, body io.Reader, length int64) error
}

// Enqueuer is the durable outbound queue.
type Enqueuer interface {
	Enqueue(kind string, payload any) error
}

// Options wires a Shipper.
type Options struct {
	API      API
	DeviceID string

	// Dir holds the rotated log files.
	Dir string

	// Spool receives a notice per shipped bundle. May be nil.
	Spool Enqueuer

	// Interval is the shipping cadence. Default: 24h.
	Interval time.Duration

	// Retention bounds how long unshipped rotated files survive.
	// Default: 7 days.
	Retention time.Duration
}

// Bundle is the decompressed envelope content.
type Bundle struct {
	BundleID  string       `json:"bundle_id"`
	DeviceID  string       `json:"device_id"`
	CreatedAt time.Time    `json:"created_at"`
	Files     []BundleFile `json:"files"`
}

// BundleFile is one rotated log file inside a bundle. Data is the raw
// file content; already-compressed .gz rotations stay compressed.
type BundleFile struct {
	Name     string    `json:"name"`
	Modified time.Time `json:"modified"`
	Data     []byte    `json:"data"`
}

// Notice is the spool record emitted per shipped bundle.
type Notice struct {
	BundleID  string    `json:"bundle_id"`
	Files     int       `json:"files"`
	SizeBytes int       `json:"size_bytes"`
	At        time.Time `json:"at"`
}

// Shipper uploads rotated logs.
type Shipper struct {
	opts     Options
	disabled atomic.Bool
	kick     chan struct{}
}

// New creates a Shipper.
func New(opts Options) (*Shipper, error) {
	if opts.API == nil || opts.DeviceID == "" || opts.Dir == "" {
		return nil, errors.New("shipper: api, device id and dir required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Shipper{opts: opts, kick: make(chan struct{}, 1)}, nil
}

// Kick requests a ship outside the cadence, for the on-command path.
// Coalesces when one is already pending.
func (s *Shipper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Disabled reports whether the control plane declined log collection.
func (s *Shipper) Disabled() bool { return s.disabled.Load() }

// Serve implements suture.Service.
func (s *Shipper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		s.run(ctx)
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Shipper) String() string { return "log-shipper" }

func (s *Shipper) run(ctx context.Context) {
	if err := s.Ship(ctx); err != nil {
		metrics.LogBundles.WithLabelValues("failed").Inc()
		logging.Warn().Err(err).Msg("log shipping failed, rotated files kept for next attempt")
	}
	s.prune()
}

// Ship bundles every rotated file and uploads one envelope. Shipped
// files are deleted; on any failure they stay for the next attempt.
func (s *Shipper) Ship(ctx context.Context) error {
	if s.disabled.Load() {
		return nil
	}

	names, err := s.candidates()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	bundle := Bundle{
		BundleID:  uuid.NewString(),
		DeviceID:  s.opts.DeviceID,
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range names {
		path := filepath.Join(s.opts.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("shipper: read %s: %w", name, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("shipper: stat %s: %w", name, err)
		}
		bundle.Files = append(bundle.Files, BundleFile{
			Name:     name,
			Modified: info.ModTime().UTC(),
			Data:     data,
		})
	}

	envelope, err := compress(bundle)
	if err != nil {
		return err
	}

	uploadURL, err := s.presign(ctx, bundle.BundleID, len(envelope))
	if err != nil {
		return err
	}
	if uploadURL == "" {
		// Already self-disabled inside presign.
		metrics.LogBundles.WithLabelValues("disabled").Inc()
		return nil
	}

	if err := s.opts.API.Upload(ctx, uploadURL, "application/gzip", bytes.NewReader(envelope), int64(len(envelope))); err != nil {
		return fmt.Errorf("shipper: upload bundle %s: %w", bundle.BundleID, err)
	}

	for _, name := range names {
		if err := os.Remove(filepath.Join(s.opts.Dir, name)); err != nil {
			logging.Warn().Err(err).Str("file", name).Msg("shipped log file not removed")
		}
	}
	metrics.LogBundles.WithLabelValues("uploaded").Inc()
	logging.Info().
		Str("bundle_id", bundle.BundleID).
		Int("files", len(names)).
		Int("bytes", len(envelope)).
		Msg("log bundle shipped")

	if s.opts.Spool != nil {
		notice := Notice{
			BundleID:  bundle.BundleID,
			Files:     len(names),
			SizeBytes: len(envelope),
			At:        time.Now().UTC(),
		}
		if err := s.opts.Spool.Enqueue(spool.KindLogBundle, notice); err != nil {
			logging.Warn().Err(err).Msg("failed to spool bundle notice")
		}
	}
	return nil
}

// presign asks the control plane for an upload URL. A 404 or 501 answer
// means the deployment has no log collection; disable for the lifetime.
func (s *Shipper) presign(ctx context.Context, bundleID string, size int) (string, error) {
	var grant struct {
		UploadURL string `json:"upload_url"`
	}
	path := fmt.Sprintf("/devices/%s/logs/presigned-url", url.PathEscape(s.opts.DeviceID))
	body := map[string]any{"bundle_id": bundleID, "size_bytes": size}
	if err := s.opts.API.PostJSON(ctx, path, body, &grant); err != nil {
		var herr interface {
			error
			HTTPStatus() int
		}
		if errors.As(err, &herr) {
			if st := herr.HTTPStatus(); st == 404 || st == 501 {
				s.disabled.Store(true)
				logging.Info().Int("status", st).Msg("control plane offers no log collection, shipper disabled")
				return "", nil
			}
		}
		return "", fmt.Errorf("shipper: presign: %w", err)
	}
	if grant.UploadURL == "" {
		return "", errors.New("shipper: control plane returned no upload url")
	}
	return grant.UploadURL, nil
}

// candidates lists rotated files, oldest name first. The active file and
// anything that isn't a log rotation are left alone.
func (s *Shipper) candidates() ([]string, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("shipper: read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == activeLogName {
			continue
		}
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".log.gz") && !strings.HasSuffix(name, ".gz") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// prune deletes rotated files past the retention window, bounding disk
// use when the control plane is unreachable for a long stretch.
func (s *Shipper) prune() {
	names, err := s.candidates()
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.opts.Retention)
	for _, name := range names {
		path := filepath.Join(s.opts.Dir, name)
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			logging.Info().Str("file", name).Msg("unshipped log file past retention, deleted")
		}
	}
}

func compress(bundle Bundle) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(bundle); err != nil {
		return nil, fmt.Errorf("shipper: encode bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("shipper: compress bundle: %w", err)
	}
	return buf.Bytes(), nil
}
