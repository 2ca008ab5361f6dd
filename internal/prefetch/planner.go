// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package prefetch drives the content cache toward the schedule: the
// currently presenting item plus the next few are downloaded ahead of time
// under a worker cap, and pinned so eviction cannot take them.
package prefetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/kioskd/internal/contentcache"
	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/snapshot"
)

// Cache is the slice of the content cache the planner drives.
type Cache interface {
	Get(mediaID string) (string, bool)
	Install(ctx context.Context, mediaID, digest, sourceURL string, size int64) (string, error)
	SetPlanned(mediaIDs []string)
}

// Options configures a Planner.
type Options struct {
	// Cache receives install and pin instructions. Required.
	Cache Cache

	// Snapshots delivers newly accepted snapshots. Required.
	Snapshots <-chan *snapshot.Snapshot

	// Initial seeds the plan before the first snapshot arrives, typically
	// the last-known-good loaded at boot. May be nil.
	Initial *snapshot.Snapshot

	// Concurrency caps parallel downloads. Default: 3.
	Concurrency int

	// Horizon is how many upcoming items to fetch and pin beyond the one
	// presenting now. Default: 5.
	Horizon int
}

// Planner watches the snapshot and the playback position and keeps the
// cache warm for what plays next.
type Planner struct {
	cache       Cache
	snapshots   <-chan *snapshot.Snapshot
	concurrency int
	horizon     int

	mu       sync.Mutex
	snap     *snapshot.Snapshot
	position int

	replan chan struct{}
}

// New creates a Planner.
func New(opts Options) (*Planner, error) {
	if opts.Cache == nil {
		return nil, errors.New("prefetch: cache required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("prefetch: snapshot feed required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 5
	}
	return &Planner{
		cache:       opts.Cache,
		snapshots:   opts.Snapshots,
		concurrency: opts.Concurrency,
		horizon:     opts.Horizon,
		snap:        opts.Initial,
		replan:      make(chan struct{}, 1),
	}, nil
}

// SetPosition tells the planner which playlist index is presenting now.
func (p *Planner) SetPosition(index int) {
	p.mu.Lock()
	changed := p.position != index
	p.position = index
	p.mu.Unlock()
	if changed {
		p.kick()
	}
}

func (p *Planner) kick() {
	select {
	case p.replan <- struct{}{}:
	default:
	}
}

// Serve implements suture.Service: it replans on every snapshot change and
// position advance, then runs one bounded prefetch pass.
func (p *Planner) Serve(ctx context.Context) error {
	p.kick() // warm the cache for the boot snapshot
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-p.snapshots:
			p.mu.Lock()
			p.snap = snap
			p.position = 0
			p.mu.Unlock()
			p.plan(ctx)
		case <-p.replan:
			p.plan(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (p *Planner) String() string { return "prefetch-planner" }

// plan computes the pin set, publishes it, and downloads what is missing in
// priority order (playback distance from now).
func (p *Planner) plan(ctx context.Context) {
	p.mu.Lock()
	snap := p.snap
	position := p.position
	p.mu.Unlock()
	if snap == nil {
		return
	}

	wanted := p.wantedItems(snap, position)
	if len(wanted) == 0 {
		p.cache.SetPlanned(nil)
		return
	}

	ids := make([]string, 0, len(wanted))
	for _, item := range wanted {
		ids = append(ids, item.MediaID)
	}
	p.cache.SetPlanned(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, item := range wanted {
		item := item
		if item.SourceURL == "" || item.Digest == "" {
			continue // URL media renders live, nothing to cache
		}
		if _, ok := p.cache.Get(item.MediaID); ok {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			_, err := p.cache.Install(gctx, item.MediaID, item.Digest, item.SourceURL, item.SizeBytes)
			switch {
			case err == nil:
				logging.Debug().
					Str("media_id", item.MediaID).
					Dur("took", time.Since(start)).
					Msg("prefetched media")
			case errors.Is(err, contentcache.ErrPaused):
				// Budget is zero; the next replan tries again.
			default:
				logging.Warn().Err(err).Str("media_id", item.MediaID).Msg("prefetch failed")
			}
			// Installs are independent; one failure never cancels the rest.
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

// wantedItems returns the deduplicated pin set in priority order: an active
// emergency first, then the presenting item, then the next items up to the
// horizon, wrapping around the loop.
func (p *Planner) wantedItems(snap *snapshot.Snapshot, position int) []snapshot.PlaylistItem {
	var out []snapshot.PlaylistItem
	seen := make(map[string]struct{})

	add := func(item snapshot.PlaylistItem) {
		if item.MediaID == "" {
			return
		}
		if _, dup := seen[item.MediaID]; dup {
			return
		}
		seen[item.MediaID] = struct{}{}
		out = append(out, item)
	}

	if em := snap.ActiveEmergency(); em != nil {
		add(*em)
	}

	items := snap.EffectiveItems()
	if len(items) == 0 {
		return out
	}
	if position < 0 || position >= len(items) {
		position = 0
	}
	for i := 0; i <= p.horizon && i < len(items); i++ {
		add(items[(position+i)%len(items)])
	}
	return out
}
