// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package command consumes remote directives: a polling loop (plus the
// duplex push feed) fetches pending commands, dispatches each to its
// handler under a per-kind rate limit, and acknowledges through the
// outbound spool so results survive restarts. Acknowledgement is
// idempotent: a redelivered command id re-sends the prior result instead
// of executing again.
package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/kioskd/internal/dedupe"
	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/spool"
)

// Command kinds.
const (
	KindReboot      = "reboot"
	KindRefresh     = "refresh"
	KindScreenshot  = "screenshot"
	KindTestPattern = "test-pattern"
	KindClearCache  = "clear-cache"
	KindShipLogs    = "ship-logs"
	KindPing        = "ping"
)

// Result statuses.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusRateLimited = "rate-limited"
	StatusExpired     = "expired"
	StatusUnknown     = "unknown-kind"
)

// ackCapacity bounds the remembered acknowledgements.
const ackCapacity = 1024

// ackTTL keeps acknowledgements long enough to absorb redelivery.
const ackTTL = 24 * time.Hour

// Command is a remote directive.
type Command struct {
	ID        string          `json:"command_id"`
	Kind      string          `json:"kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// Result is the acknowledgement for one command.
type Result struct {
	CommandID string    `json:"command_id"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// API is the control-plane surface the channel needs. *transport.Client
// satisfies it.
type API interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
	Upload(ctx context.Context, rawURL, contentType string, body io.Reader, length int64) error
}

// Player is the slice of the playback controller commands touch.
type Player interface {
	Screenshot(ctx context.Context) ([]byte, error)
	ShowTestPattern(ctx context.Context) error
}

// Cache is cleared by the clear-cache command.
type Cache interface {
	Clear(force bool) error
}

// Refresher forces a snapshot re-fetch. *snapshot.Manager satisfies it.
type Refresher interface {
	Kick()
}

// LogShipper triggers an out-of-cadence log bundle upload.
// *shipper.Shipper satisfies it.
type LogShipper interface {
	Kick()
}

// Enqueuer is the durable outbound queue.
type Enqueuer interface {
	Enqueue(kind string, payload any) error
}

// Options wires a Channel.
type Options struct {
	API      API
	Spool    Enqueuer
	DeviceID string

	Player    Player
	Cache     Cache
	Refresher Refresher

	// LogShipper may be nil when the deployment disables log shipping.
	LogShipper LogShipper

	// Reboot schedules an orderly agent restart. Required for the
	// reboot command; typically cancels the root context.
	Reboot func()

	// Pushed receives commands from the duplex channel. May be nil.
	Pushed <-chan Command

	// PollInterval is the fetch cadence. Default: 15s.
	PollInterval time.Duration

	// RateWindow bounds each kind to one execution per window.
	// Default: 1m.
	RateWindow time.Duration

	// StartedAt and Version feed the ping result.
	StartedAt time.Time
	Version   string
}

// Channel polls and executes remote commands.
type Channel struct {
	opts Options
	acks *dedupe.Set

	mu       sync.Mutex
	limits   map[string]*rate.Limiter
	inflight map[string]struct{}
}

// New creates a Channel.
func New(opts Options) (*Channel, error) {
	if opts.API == nil || opts.Spool == nil {
		return nil, fmt.Errorf("command: api and spool required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	return &Channel{
		opts:     opts,
		acks:     dedupe.New(ackCapacity, ackTTL),
		limits:   make(map[string]*rate.Limiter),
		inflight: make(map[string]struct{}),
	}, nil
}

// Serve implements suture.Service: poll on the cadence and drain the push
// feed as messages arrive.
func (c *Channel) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.poll(ctx)
		case cmd, ok := <-c.opts.Pushed:
			if !ok {
				c.mu.Lock()
				c.opts.Pushed = nil
				c.mu.Unlock()
				continue
			}
			c.Execute(ctx, cmd)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (c *Channel) String() string { return "command-channel" }

// poll fetches and executes pending commands.
func (c *Channel) poll(ctx context.Context) {
	var pending []Command
	path := fmt.Sprintf("/devices/%s/commands", url.PathEscape(c.opts.DeviceID))
	if err := c.opts.API.GetJSON(ctx, path, &pending); err != nil {
		logging.Debug().Err(err).Msg("command poll failed")
		return
	}
	for _, cmd := range pending {
		c.Execute(ctx, cmd)
	}
}

// Execute runs one command exactly once per command id and spools the
// acknowledgement. Redelivery re-sends the remembered result.
func (c *Channel) Execute(ctx context.Context, cmd Command) {
	if cmd.ID == "" || cmd.Kind == "" {
		logging.Warn().Str("kind", cmd.Kind).Msg("malformed command dropped")
		return
	}

	c.mu.Lock()
	if prior, ok := c.acks.Lookup(cmd.ID); ok {
		c.mu.Unlock()
		var remembered Result
		if err := json.Unmarshal(prior, &remembered); err == nil {
			logging.Info().Str("command_id", cmd.ID).Msg("command redelivered, re-sending prior result")
			c.ack(remembered)
		}
		return
	}
	if _, busy := c.inflight[cmd.ID]; busy {
		c.mu.Unlock()
		logging.Info().Str("command_id", cmd.ID).Msg("command redelivered while still executing, dropped")
		return
	}
	c.inflight[cmd.ID] = struct{}{}
	c.mu.Unlock()

	res := Result{CommandID: cmd.ID, At: time.Now().UTC()}
	// Remember the result only once the handler ran; redelivery during
	// execution is dropped above, never answered with an empty result.
	defer func() {
		data, err := json.Marshal(&res)
		c.mu.Lock()
		if err == nil {
			c.acks.SeenValue(cmd.ID, data)
		}
		delete(c.inflight, cmd.ID)
		c.mu.Unlock()
		c.ack(res)
		metrics.CommandsExecuted.WithLabelValues(cmd.Kind, res.Status).Inc()
	}()

	if !cmd.ExpiresAt.IsZero() && time.Now().After(cmd.ExpiresAt) {
		res.Status = StatusExpired
		res.Detail = "command expired before execution"
		return
	}

	if !c.allow(cmd.Kind) {
		res.Status = StatusRateLimited
		res.Detail = fmt.Sprintf("kind %s limited to one execution per %s", cmd.Kind, c.opts.RateWindow)
		logging.Warn().Str("command_id", cmd.ID).Str("kind", cmd.Kind).Msg("command rate-limited")
		return
	}

	logging.Info().Str("command_id", cmd.ID).Str("kind", cmd.Kind).Msg("executing command")
	status, detail := c.dispatch(ctx, cmd)
	res.Status = status
	res.Detail = detail
}

// allow takes one token from the kind's limiter.
func (c *Channel) allow(kind string) bool {
	c.mu.Lock()
	lim, ok := c.limits[kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.opts.RateWindow), 1)
		c.limits[kind] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

func (c *Channel) dispatch(ctx context.Context, cmd Command) (string, string) {
	switch cmd.Kind {
	case KindReboot:
		if c.opts.Reboot == nil {
			return StatusError, "reboot not wired"
		}
		// Acknowledge first; the restart happens after the ack is spooled.
		go func() {
			time.Sleep(time.Second)
			c.opts.Reboot()
		}()
		return StatusOK, "restart scheduled"

	case KindRefresh:
		if c.opts.Refresher == nil {
			return StatusError, "refresher not wired"
		}
		c.opts.Refresher.Kick()
		return StatusOK, "snapshot refresh requested"

	case KindScreenshot:
		return c.screenshot(ctx)

	case KindTestPattern:
		if c.opts.Player == nil {
			return StatusError, "player not wired"
		}
		if err := c.opts.Player.ShowTestPattern(ctx); err != nil {
			return StatusError, err.Error()
		}
		return StatusOK, ""

	case KindClearCache:
		if c.opts.Cache == nil {
			return StatusError, "cache not wired"
		}
		if err := c.opts.Cache.Clear(true); err != nil {
			return StatusError, err.Error()
		}
		return StatusOK, "cache cleared"

	case KindShipLogs:
		if c.opts.LogShipper == nil {
			return StatusError, "log shipping disabled"
		}
		c.opts.LogShipper.Kick()
		return StatusOK, "log upload requested"

	case KindPing:
		detail := fmt.Sprintf("version=%s uptime=%s", c.opts.Version, time.Since(c.opts.StartedAt).Round(time.Second))
		return StatusOK, detail

	default:
		return StatusUnknown, fmt.Sprintf("unknown command kind %q", cmd.Kind)
	}
}

// screenshot captures a frame and uploads it via the indirect-URL
// protocol: the control plane hands out an upload URL, the agent PUTs the
// bytes there.
func (c *Channel) screenshot(ctx context.Context) (string, string) {
	if c.opts.Player == nil {
		return StatusError, "player not wired"
	}
	frame, err := c.opts.Player.Screenshot(ctx)
	if err != nil {
		return StatusError, fmt.Sprintf("capture: %v", err)
	}

	var grant struct {
		UploadURL string `json:"upload_url"`
	}
	path := fmt.Sprintf("/devices/%s/screenshot-url", url.PathEscape(c.opts.DeviceID))
	if err := c.opts.API.PostJSON(ctx, path, map[string]int{"size_bytes": len(frame)}, &grant); err != nil {
		return StatusError, fmt.Sprintf("request upload url: %v", err)
	}
	if grant.UploadURL == "" {
		return StatusError, "control plane returned no upload url"
	}

	if err := c.opts.API.Upload(ctx, grant.UploadURL, "image/png", bytes.NewReader(frame), int64(len(frame))); err != nil {
		return StatusError, fmt.Sprintf("upload: %v", err)
	}
	return StatusOK, fmt.Sprintf("uploaded %d bytes", len(frame))
}

// ack spools the result; the record survives restarts until delivered.
func (c *Channel) ack(res Result) {
	if err := c.opts.Spool.Enqueue(spool.KindCommandAck, res); err != nil {
		logging.Error().Err(err).Str("command_id", res.CommandID).Msg("failed to spool command ack")
	}
}
