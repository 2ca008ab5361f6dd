// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/spool"
)

type mockSpool struct {
	mu    sync.Mutex
	err   error
	kinds []string
	beats []Heartbeat
}

func (s *mockSpool) Enqueue(kind string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.kinds = append(s.kinds, kind)
	if hb, ok := payload.(Heartbeat); ok {
		s.beats = append(s.beats, hb)
	}
	return nil
}

type mockPlayback struct{}

func (mockPlayback) Now() (string, string) { return "sched-1", "m1" }
func (mockPlayback) StateName() string     { return "playback-running" }

func TestSampleCarriesPlaybackAndIdentity(t *testing.T) {
	r, err := New(Options{
		DeviceID: "dev-1",
		Spool:    &mockSpool{},
		Playback: mockPlayback{},
		Version:  "1.2.3",
	})
	if err != nil {
		t.Fatal(err)
	}

	hb := r.Sample(context.Background())
	if hb.DeviceID != "dev-1" || hb.Version != "1.2.3" {
		t.Errorf("identity = %+v", hb)
	}
	if hb.ScheduleID != "sched-1" || hb.MediaID != "m1" || hb.State != "playback-running" {
		t.Errorf("playback fields = %+v", hb)
	}
	if hb.At.IsZero() || hb.UptimeSec < 0 {
		t.Errorf("timing = %+v", hb)
	}
	// System stats are best-effort; totals are present on any real host.
	if hb.MemTotal == 0 {
		t.Log("mem stats unavailable in this environment")
	}
}

func TestBeatSpoolsHeartbeatKind(t *testing.T) {
	sp := &mockSpool{}
	r, err := New(Options{DeviceID: "dev-1", Spool: sp, Interval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	r.beat(context.Background())

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.kinds) != 1 || sp.kinds[0] != spool.KindHeartbeat {
		t.Errorf("kinds = %v", sp.kinds)
	}
	if len(sp.beats) != 1 || sp.beats[0].DeviceID != "dev-1" {
		t.Errorf("beats = %+v", sp.beats)
	}
}

func TestBeatCountsOutcomes(t *testing.T) {
	enqueued := testutil.ToFloat64(metrics.HeartbeatsSent.WithLabelValues("enqueued"))
	failed := testutil.ToFloat64(metrics.HeartbeatsSent.WithLabelValues("spool_error"))

	sp := &mockSpool{}
	r, err := New(Options{DeviceID: "dev-1", Spool: sp, Interval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	r.beat(context.Background())
	if got := testutil.ToFloat64(metrics.HeartbeatsSent.WithLabelValues("enqueued")); got != enqueued+1 {
		t.Errorf("enqueued counter = %v, want %v", got, enqueued+1)
	}

	sp.mu.Lock()
	sp.err = errors.New("spool closed")
	sp.mu.Unlock()
	r.beat(context.Background())
	if got := testutil.ToFloat64(metrics.HeartbeatsSent.WithLabelValues("spool_error")); got != failed+1 {
		t.Errorf("spool_error counter = %v, want %v", got, failed+1)
	}
}

func TestNewRequiresDeviceAndSpool(t *testing.T) {
	if _, err := New(Options{Spool: &mockSpool{}}); err == nil {
		t.Error("missing device id accepted")
	}
	if _, err := New(Options{DeviceID: "dev-1"}); err == nil {
		t.Error("missing spool accepted")
	}
}
