// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package main is the entry point for the kioskd device agent.
//
// Kioskd runs on a digital-signage endpoint: it pairs the device with
// its control plane over mTLS, keeps a content-addressed media cache
// warm ahead of playback, presents the scheduled timeline through an
// external compositor, and reports proof-of-play, telemetry and logs
// back upstream — surviving restarts, offline stretches and partial
// control-plane deployments.
//
// # Startup order
//
//  1. Configuration: koanf v2 layered loading (defaults, YAML file, env)
//  2. Logging: zerolog to stderr plus a rotating file the shipper bundles
//  3. Identity: load the device identity, or run the pairing flow until
//     the operator confirms the device and a certificate is issued
//  4. Transport: mutually-authenticated REST client plus the optional
//     persistent duplex channel
//  5. Supervised tree: data, playback, network and api layers under a
//     suture root
//
// # Exit codes
//
//	0  clean shutdown (signal or reboot command)
//	2  invalid configuration
//	3  identity/pairing failure
//	4  runtime failure
//
// # Signal handling
//
// SIGINT and SIGTERM cancel the root context; the tree shuts down
// gracefully, the spool runs its bounded final drain, and the process
// exits 0. The reboot command takes the same path, relying on the
// service manager to start the agent again.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/kioskd/internal/command"
	"github.com/tomtom215/kioskd/internal/config"
	"github.com/tomtom215/kioskd/internal/contentcache"
	"github.com/tomtom215/kioskd/internal/health"
	"github.com/tomtom215/kioskd/internal/identity"
	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/player"
	"github.com/tomtom215/kioskd/internal/pop"
	"github.com/tomtom215/kioskd/internal/prefetch"
	"github.com/tomtom215/kioskd/internal/shipper"
	"github.com/tomtom215/kioskd/internal/snapshot"
	"github.com/tomtom215/kioskd/internal/spool"
	"github.com/tomtom215/kioskd/internal/supervisor"
	"github.com/tomtom215/kioskd/internal/telemetry"
	"github.com/tomtom215/kioskd/internal/timeline"
	"github.com/tomtom215/kioskd/internal/transport"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK       = 0
	exitConfig   = 2
	exitIdentity = 3
	exitRuntime  = 4
)

// pairingPollInterval is how often the agent asks whether the operator
// confirmed the displayed code.
const pairingPollInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

//nolint:gocyclo // sequential composition root
func run() int {
	startedAt := time.Now()

	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}

	// Log to stderr for the service manager and to the rotating file the
	// shipper bundles. The error ring feeds /healthz.
	rotator := shipper.NewRotator(cfg.Logging.Dir, cfg.Logging.RotateBytes, cfg.Logging.Compress, cfg.Logging.RotateInterval)
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: io.MultiWriter(os.Stderr, rotator.Writer()),
	})
	ring := health.NewRing(32)
	logging.SetLogger(logging.Logger().Hook(ring))

	logging.Info().Str("version", version).Msg("kioskd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var renderer player.Renderer
	if cfg.Device.RendererSocket != "" {
		renderer = player.NewSocketRenderer(cfg.Device.RendererSocket)
	} else {
		logging.Warn().Msg("no renderer socket configured, presentation directives go to the log only")
		renderer = player.LogRenderer{}
	}

	store, err := identity.NewStore(cfg.MTLS.SecretsDir)
	if err != nil {
		logging.Error().Err(err).Msg("secrets directory unavailable")
		return exitIdentity
	}
	id, err := ensureIdentity(ctx, cfg, store, renderer)
	if err != nil {
		logging.Error().Err(err).Msg("device identity unavailable")
		return exitIdentity
	}
	logging.Info().
		Str("device_id", id.DeviceID).
		Time("cert_expires", id.ExpiresAt()).
		Msg("device identity loaded")
	renewLead := time.Duration(cfg.MTLS.RenewBeforeDays) * 24 * time.Hour
	if !cfg.MTLS.AutoRenew && id.NeedsRenewal(renewLead) {
		logging.Warn().Time("expires", id.ExpiresAt()).Msg("client certificate approaching expiry, auto-renew disabled")
	}

	tlsCfg, err := clientTLS(cfg, store, id)
	if err != nil {
		logging.Error().Err(err).Msg("mtls setup failed")
		return exitIdentity
	}

	client, err := transport.NewClient(transport.Options{
		BaseURL:   cfg.Endpoints.BaseURL,
		TLS:       tlsCfg,
		UserAgent: "kioskd/" + version,
	})
	if err != nil {
		logging.Error().Err(err).Msg("transport setup failed")
		return exitRuntime
	}

	sp, err := spool.Open(spool.Options{
		Path:          cfg.Spool.Path,
		MaxPerKind:    cfg.Spool.MaxPerKind,
		MaxAttempts:   cfg.Spool.MaxAttempts,
		DrainInterval: cfg.Spool.DrainInterval,
	})
	if err != nil {
		logging.Error().Err(err).Msg("spool open failed")
		return exitRuntime
	}
	defer sp.Close()
	registerDeliverers(sp, client, id.DeviceID)

	cache, err := contentcache.Open(contentcache.Options{
		Root:       cfg.Cache.Root,
		MaxBytes:   cfg.Cache.MaxBytes,
		Downloader: client,
	})
	if err != nil {
		logging.Error().Err(err).Msg("content cache open failed")
		return exitRuntime
	}
	defer cache.Close()
	// Mbps to bytes per second.
	cache.SetBandwidth(cfg.Cache.BandwidthMbps * 125_000)

	snaps, err := snapshot.New(snapshot.Options{
		API:                  client,
		DeviceID:             id.DeviceID,
		Path:                 filepath.Join(filepath.Dir(cfg.Spool.Path), "snapshot.json"),
		Interval:             cfg.Intervals.SnapshotPoll,
		AllowedSourceDomains: cfg.Security.AllowedSourceDomains,
	})
	if err != nil {
		logging.Error().Err(err).Msg("snapshot manager setup failed")
		return exitRuntime
	}

	planner, err := prefetch.New(prefetch.Options{
		Cache:       cache,
		Snapshots:   snaps.Subscribe(),
		Initial:     snaps.Current(),
		Concurrency: cfg.Cache.PrefetchConcurrency,
		Horizon:     cfg.Cache.PrefetchHorizon,
	})
	if err != nil {
		logging.Error().Err(err).Msg("prefetch planner setup failed")
		return exitRuntime
	}

	recorder, err := pop.New(pop.Options{DeviceID: id.DeviceID, Spool: sp})
	if err != nil {
		logging.Error().Err(err).Msg("proof-of-play recorder setup failed")
		return exitRuntime
	}

	sched := timeline.NewScheduler()
	controller, err := player.New(player.Options{
		Scheduler:     sched,
		Snapshots:     snaps,
		Renderer:      renderer,
		Cache:         cache,
		Recorder:      recorder,
		Positioner:    planner,
		Offline:       client.Offline,
		ProbeInterval: cfg.Intervals.HealthCheck,
	})
	if err != nil {
		logging.Error().Err(err).Msg("playback controller setup failed")
		return exitRuntime
	}

	var ship *shipper.Shipper
	if cfg.Shipper.Enabled {
		ship, err = shipper.New(shipper.Options{
			API:       client,
			DeviceID:  id.DeviceID,
			Dir:       cfg.Logging.Dir,
			Spool:     sp,
			Interval:  cfg.Shipper.Interval,
			Retention: time.Duration(cfg.Shipper.RetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			logging.Error().Err(err).Msg("log shipper setup failed")
			return exitRuntime
		}
	}

	var duplex *transport.Duplex
	var pushed chan command.Command
	if cfg.Endpoints.DuplexURL != "" {
		duplex = transport.NewDuplex(cfg.Endpoints.DuplexURL, tlsCfg)
		pushed = make(chan command.Command, 16)
	}

	cmdOpts := command.Options{
		API:          client,
		Spool:        sp,
		DeviceID:     id.DeviceID,
		Player:       controller,
		Cache:        cache,
		Refresher:    snaps,
		Reboot:       stop,
		Pushed:       pushed,
		PollInterval: cfg.Intervals.CommandPoll,
		RateWindow:   cfg.Security.CommandRateWindow,
		StartedAt:    startedAt,
		Version:      version,
	}
	if ship != nil {
		cmdOpts.LogShipper = ship
	}
	cmdCh, err := command.New(cmdOpts)
	if err != nil {
		logging.Error().Err(err).Msg("command channel setup failed")
		return exitRuntime
	}

	reporter, err := telemetry.New(telemetry.Options{
		DeviceID: id.DeviceID,
		Spool:    sp,
		Playback: controller,
		DiskPath: cfg.Cache.Root,
		Interval: cfg.Intervals.Heartbeat,
		Version:  version,
	})
	if err != nil {
		logging.Error().Err(err).Msg("telemetry setup failed")
		return exitRuntime
	}

	healthSrv, err := health.New(health.Options{
		Addr:      cfg.Health.Addr,
		Version:   version,
		StartedAt: startedAt,
		Cache:     cache,
		Snapshots: snaps,
		Playback:  controller,
		Spool:     sp,
		Errors:    ring,
		System:    reporter,
		Power: &health.PowerSchedule{
			Enabled: cfg.Power.Enabled,
			OnTime:  cfg.Power.OnTime,
			OffTime: cfg.Power.OffTime,
		},
	})
	if err != nil {
		logging.Error().Err(err).Msg("health server setup failed")
		return exitRuntime
	}

	tree, err := supervisor.NewTree(supervisor.NewEventLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Error().Err(err).Msg("supervisor setup failed")
		return exitRuntime
	}

	tree.AddDataService(sp)
	tree.AddDataService(contentcache.NewJanitor(cache))
	tree.AddDataService(rotator)
	if ship != nil {
		tree.AddDataService(ship)
	}

	tree.AddPlaybackService(snaps)
	tree.AddPlaybackService(planner)
	tree.AddPlaybackService(recorder)
	tree.AddPlaybackService(controller)

	if duplex != nil {
		tree.AddNetworkService(duplex)
		tree.AddNetworkService(&duplexBridge{duplex: duplex, snaps: snaps, pushed: pushed})
	}
	tree.AddNetworkService(cmdCh)
	tree.AddNetworkService(reporter)
	if cfg.MTLS.Enabled && cfg.MTLS.AutoRenew {
		tree.AddNetworkService(identity.NewRenewer(store, client, renewLead))
	}

	tree.AddAPIService(healthSrv)

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree failed")
		return exitRuntime
	}
	logging.Info().Msg("kioskd stopped")
	return exitOK
}

// ensureIdentity loads the stored identity or walks the pairing flow.
// Corrupt or expired material is cleared and the device re-pairs.
func ensureIdentity(ctx context.Context, cfg *config.Config, store *identity.Store, renderer player.Renderer) (*identity.Identity, error) {
	id, err := store.Load()
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, identity.ErrNotPaired):
		// First boot; fall through to pairing.
	case errors.Is(err, identity.ErrCorrupt), errors.Is(err, identity.ErrExpired):
		logging.Warn().Err(err).Msg("stored identity unusable, re-pairing")
		if err := store.Unpair(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	// Pairing runs against the control plane without a client certificate.
	bootstrap, err := transport.NewClient(transport.Options{
		BaseURL:   cfg.Endpoints.BaseURL,
		UserAgent: "kioskd/" + version,
	})
	if err != nil {
		return nil, err
	}
	return pair(ctx, identity.NewPairer(store, bootstrap, cfg.Device.Description), renderer)
}

// pair displays a pairing code on the device and polls until the
// operator confirms it in the control plane, requesting a fresh code
// whenever one expires.
func pair(ctx context.Context, pairer *identity.Pairer, renderer player.Renderer) (*identity.Identity, error) {
	for {
		code, expiresAt, err := pairer.RequestCode(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("pairing code request failed, retrying")
			if !sleepCtx(ctx, 10*time.Second) {
				return nil, ctx.Err()
			}
			continue
		}

		logging.Info().Str("pairing_code", code).Time("expires", expiresAt).Msg("pairing code issued, waiting for confirmation")
		if err := renderer.ShowFallback("pairing code: " + code); err != nil {
			logging.Warn().Err(err).Msg("could not display pairing code")
		}

		for time.Now().Before(expiresAt) {
			if !sleepCtx(ctx, pairingPollInterval) {
				return nil, ctx.Err()
			}
			confirmed, err := pairer.Confirmed(ctx)
			if err != nil {
				logging.Debug().Err(err).Msg("pairing status poll failed")
				continue
			}
			if confirmed {
				return pairer.Complete(ctx)
			}
		}
		logging.Info().Msg("pairing code expired, requesting a new one")
	}
}

// clientTLS builds the mutual TLS setup from the installed identity.
// Returns nil when mTLS is disabled (development against plain HTTP).
// The client certificate is read from the store per handshake so a
// renewed certificate takes effect on new connections without a restart.
func clientTLS(cfg *config.Config, store *identity.Store, id *identity.Identity) (*tls.Config, error) {
	if !cfg.MTLS.Enabled {
		return nil, nil
	}
	boot, err := id.TLSCertificate()
	if err != nil {
		return nil, err
	}
	pool, err := id.CAPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			current, err := store.Load()
			if err != nil {
				return &boot, nil
			}
			cert, err := current.TLSCertificate()
			if err != nil {
				return &boot, nil
			}
			return &cert, nil
		},
	}, nil
}

// registerDeliverers binds each spool lane to its control-plane endpoint.
func registerDeliverers(sp *spool.Spool, client *transport.Client, deviceID string) {
	post := func(path string) spool.DelivererFunc {
		return func(ctx context.Context, rec spool.Record) error {
			return client.PostJSON(ctx, path, json.RawMessage(rec.Payload), nil)
		}
	}
	device := url.PathEscape(deviceID)

	sp.SetDeliverer(spool.KindHeartbeat, post(fmt.Sprintf("/devices/%s/heartbeats", device)))
	sp.SetDeliverer(spool.KindCommandAck, post(fmt.Sprintf("/devices/%s/command-results", device)))
	sp.SetDeliverer(spool.KindLogBundle, post(fmt.Sprintf("/devices/%s/log-bundles", device)))

	// Proof-of-play batches carry their own event keys; a 409 means the
	// control plane already has the batch, which is success here.
	popPath := fmt.Sprintf("/devices/%s/pop", device)
	sp.SetDeliverer(spool.KindPop, spool.DelivererFunc(func(ctx context.Context, rec spool.Record) error {
		err := client.PostJSON(ctx, popPath, json.RawMessage(rec.Payload), nil)
		var serr *transport.StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusConflict {
			return nil
		}
		return err
	}))
}

// duplexBridge translates duplex frames into agent actions: schedule and
// emergency notifications kick the snapshot manager, pushed commands go
// to the command channel.
type duplexBridge struct {
	duplex *transport.Duplex
	snaps  *snapshot.Manager
	pushed chan<- command.Command
}

// Serve implements suture.Service.
func (b *duplexBridge) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.duplex.Inbound():
			b.handle(ctx, msg)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (b *duplexBridge) String() string { return "duplex-bridge" }

func (b *duplexBridge) handle(ctx context.Context, msg transport.Message) {
	switch msg.Kind {
	case transport.MsgScheduleUpdate, transport.MsgEmergency:
		logging.Info().Str("kind", msg.Kind).Msg("duplex notification, refreshing snapshot")
		b.snaps.Kick()

	case transport.MsgCommand:
		var cmd command.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			logging.Warn().Err(err).Msg("malformed pushed command dropped")
			return
		}
		select {
		case b.pushed <- cmd:
		case <-ctx.Done():
		}

	default:
		logging.Debug().Str("kind", msg.Kind).Msg("unhandled duplex message")
	}
}

// sleepCtx waits d or until ctx ends; false means the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
