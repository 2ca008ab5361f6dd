// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/snapshot"
	"github.com/tomtom215/kioskd/internal/timeline"
	"github.com/tomtom215/kioskd/internal/transport"
)

// renderFailureThreshold is how many consecutive render failures the
// controller tolerates before settling on the terminal fallback slide.
const renderFailureThreshold = 5

// offlineProbePeriod is the default connectivity re-evaluation cadence.
const offlineProbePeriod = 15 * time.Second

// Cache is the slice of the content cache the controller reads.
type Cache interface {
	Get(mediaID string) (string, bool)
}

// Recorder receives proof-of-play marks for every presented item. Reset is
// called whenever the controller restarts the scheduler, abandoning any
// start that never saw its end.
type Recorder interface {
	RecordStart(scheduleID, mediaID string)
	RecordEnd(scheduleID, mediaID string, completed bool)
	Reset()
}

// Positioner learns which playlist index is presenting, so prefetch can
// stay ahead of playback.
type Positioner interface {
	SetPosition(index int)
}

// Options wires a Controller.
type Options struct {
	Scheduler *timeline.Scheduler
	Snapshots *snapshot.Manager
	Renderer  Renderer
	Cache     Cache

	// Recorder may be nil; playback then goes unrecorded.
	Recorder Recorder

	// Positioner may be nil.
	Positioner Positioner

	// Offline reports sustained transport failure, typically
	// (*transport.Client).Offline. May be nil.
	Offline func() bool

	// ProbeInterval is the connectivity re-evaluation cadence driving the
	// playback-running/offline-fallback split. Default: 15s.
	ProbeInterval time.Duration
}

// Controller runs the playback state machine.
type Controller struct {
	sched    *timeline.Scheduler
	snaps    *snapshot.Manager
	renderer Renderer
	cache    Cache
	recorder Recorder
	position Positioner
	offline  func() bool

	backoff       transport.Backoff
	probeInterval time.Duration

	mu            sync.RWMutex
	state         State
	renderFails   int
	inEmergency   bool
	lastErr       string
	activeSchedID string
	currentMedia  string
}

// New creates a Controller in the boot state.
func New(opts Options) (*Controller, error) {
	if opts.Scheduler == nil || opts.Snapshots == nil || opts.Renderer == nil || opts.Cache == nil {
		return nil, errors.New("player: scheduler, snapshots, renderer and cache are required")
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = offlineProbePeriod
	}
	c := &Controller{
		sched:         opts.Scheduler,
		snaps:         opts.Snapshots,
		renderer:      opts.Renderer,
		cache:         opts.Cache,
		recorder:      opts.Recorder,
		position:      opts.Positioner,
		offline:       opts.Offline,
		backoff:       transport.DefaultBackoff(),
		probeInterval: opts.ProbeInterval,
		state:         StateBoot,
	}
	metrics.SetPlayerState(string(StateBoot), stateNames)
	return c, nil
}

// State returns the current playback mode.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the message that drove the most recent error state.
func (c *Controller) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// SetState moves the machine along a legal edge. Illegal moves are logged
// and refused; the pairing flow in the composition root drives the
// pre-playback states through here.
func (c *Controller) SetState(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(to)
}

func (c *Controller) setStateLocked(to State) bool {
	if c.state == to {
		return true
	}
	if !canTransition(c.state, to) {
		logging.Error().
			Str("from", string(c.state)).
			Str("to", string(to)).
			Msg("illegal player state transition refused")
		return false
	}
	logging.Info().
		Str("from", string(c.state)).
		Str("to", string(to)).
		Msg("player state changed")
	c.state = to
	metrics.SetPlayerState(string(to), stateNames)
	return true
}

// Fail moves to error from any non-boot state and records the cause. The
// supervisor's restart of Serve is the bounded re-entry into boot.
func (c *Controller) Fail(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = reason
	c.setStateLocked(StateError)
}

// Serve implements suture.Service: it applies the boot snapshot, then
// reacts to snapshot changes and scheduler events until the context ends.
func (c *Controller) Serve(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateError {
		// Supervisor restart after Fail: re-enter boot.
		c.setStateLocked(StateBoot)
	}
	if c.state == StateBoot {
		c.setStateLocked(StateCertIssued)
	}
	c.mu.Unlock()

	snapFeed := c.snaps.Subscribe()
	c.applySnapshot(ctx, c.snaps.Current())

	probe := time.NewTicker(c.probeInterval)
	defer probe.Stop()
	defer c.sched.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap := <-snapFeed:
			c.applySnapshot(ctx, snap)

		case ev := <-c.sched.Events():
			c.handleEvent(ctx, ev)

		case <-probe.C:
			c.reviewConnectivity()
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (c *Controller) String() string { return "playback-controller" }

// applySnapshot decides the playlist for a (possibly changed) snapshot:
// an active emergency pre-empts everything, an empty schedule falls back to
// the default item or the empty slide.
func (c *Controller) applySnapshot(ctx context.Context, snap *snapshot.Snapshot) {
	if snap == nil {
		c.toEmpty(ctx, "no snapshot available")
		return
	}

	c.mu.Lock()
	c.activeSchedID = snap.ScheduleID
	wasEmergency := c.inEmergency
	em := snap.ActiveEmergency()
	c.inEmergency = em != nil
	c.mu.Unlock()

	if em != nil {
		logging.Warn().Str("item_id", em.ItemID).Msg("emergency item active, pre-empting schedule")
		c.SetState(StateEmergency)
		c.resetRecorder()
		c.sched.Start([]snapshot.PlaylistItem{*em})
		return
	}

	items := snap.EffectiveItems()
	if len(items) == 0 {
		c.toEmpty(ctx, "schedule has no items")
		return
	}

	if wasEmergency {
		logging.Info().Msg("emergency cleared, resuming schedule from the start")
	}
	c.toPlayback()
	c.resetRecorder()
	c.sched.Start(items)
}

func (c *Controller) resetRecorder() {
	if c.recorder != nil {
		c.recorder.Reset()
	}
}

func (c *Controller) toEmpty(ctx context.Context, reason string) {
	c.sched.Stop()
	if c.SetState(StateEmpty) {
		logging.Info().Str("reason", reason).Msg("nothing to present")
	}
	if err := c.renderer.ShowFallback("no content scheduled"); err != nil {
		c.renderFailed(ctx, err)
	}
}

// toPlayback picks playback-running or offline-fallback by connectivity.
func (c *Controller) toPlayback() {
	if c.isOffline() {
		c.SetState(StateOfflineFallback)
	} else {
		c.SetState(StatePlaybackRunning)
	}
}

func (c *Controller) isOffline() bool {
	if c.offline != nil && c.offline() {
		return true
	}
	return c.snaps.Degraded()
}

// reviewConnectivity flips between playback-running and offline-fallback
// without disturbing the scheduler.
func (c *Controller) reviewConnectivity() {
	switch c.State() {
	case StatePlaybackRunning:
		if c.isOffline() {
			c.SetState(StateOfflineFallback)
		}
	case StateOfflineFallback:
		if !c.isOffline() {
			c.SetState(StatePlaybackRunning)
		}
	}
}

// handleEvent reacts to one scheduler event.
func (c *Controller) handleEvent(ctx context.Context, ev timeline.Event) {
	switch ev.Kind {
	case timeline.EventItemStart:
		c.mu.Lock()
		c.currentMedia = ev.Item.MediaID
		c.mu.Unlock()
		if c.position != nil {
			c.position.SetPosition(ev.Index)
		}
		c.renderItem(ctx, ev.Item)
		if c.recorder != nil && !c.isEmergency() {
			c.recorder.RecordStart(c.scheduleID(), ev.Item.MediaID)
		}

	case timeline.EventItemEnd:
		if c.recorder != nil && !c.isEmergency() {
			c.recorder.RecordEnd(c.scheduleID(), ev.Item.MediaID, ev.Completed)
		}

	case timeline.EventTransitionStart:
		// The rendering surface owns the visual cross-fade; nothing to
		// arbitrate here.

	case timeline.EventStopped:
		logging.Debug().Msg("scheduler stopped")
	}
}

func (c *Controller) scheduleID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeSchedID
}

func (c *Controller) isEmergency() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inEmergency
}

// renderItem hands the item to the surface, retrying through a bounded
// backoff on failure. Past the failure threshold the controller settles on
// the terminal fallback slide and keeps the agent alive.
func (c *Controller) renderItem(ctx context.Context, item snapshot.PlaylistItem) {
	ri := RenderItem{Item: item}
	if item.MediaType != snapshot.MediaURL {
		path, ok := c.cache.Get(item.MediaID)
		if !ok {
			logging.Warn().Str("media_id", item.MediaID).Msg("media not cached at render time, skipping item")
			c.sched.SkipNext()
			return
		}
		ri.LocalPath = path
	}

	err := c.renderer.Render(ctx, ri)
	if err == nil {
		c.mu.Lock()
		c.renderFails = 0
		c.mu.Unlock()
		return
	}
	c.renderFailed(ctx, err)
}

func (c *Controller) renderFailed(ctx context.Context, err error) {
	c.mu.Lock()
	c.renderFails++
	fails := c.renderFails
	c.mu.Unlock()

	metrics.RendererRestarts.Inc()
	logging.Error().Err(err).Int("consecutive", fails).Msg("render failure")

	if fails >= renderFailureThreshold {
		// Terminal fallback: stop churning the surface, keep the agent up.
		c.sched.Stop()
		c.renderer.ShowFallback("renderer unavailable") //nolint:errcheck
		c.Fail("renderer failed repeatedly")
		return
	}
	// Give the surface a moment before the next item hits it.
	c.backoff.Sleep(ctx.Done(), fails-1)
}

// Now reports the presenting schedule and media ids for telemetry.
func (c *Controller) Now() (scheduleID, mediaID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeSchedID, c.currentMedia
}

// StateName returns the state as a plain string for telemetry.
func (c *Controller) StateName() string { return string(c.State()) }

// Screenshot exposes the surface's frame capture to the command channel.
func (c *Controller) Screenshot(ctx context.Context) ([]byte, error) {
	return c.renderer.Screenshot(ctx)
}

// ShowTestPattern exposes the diagnostic pattern to the command channel.
func (c *Controller) ShowTestPattern(ctx context.Context) error {
	return c.renderer.ShowTestPattern(ctx)
}

// Pause forwards to the scheduler.
func (c *Controller) Pause() { c.sched.Pause() }

// Resume forwards to the scheduler.
func (c *Controller) Resume() { c.sched.Resume() }

// JitterStats exposes the scheduler's jitter window for the health surface.
func (c *Controller) JitterStats() timeline.JitterStats { return c.sched.Stats() }
