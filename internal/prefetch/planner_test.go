// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package prefetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/kioskd/internal/snapshot"
)

type mockCache struct {
	mu        sync.Mutex
	ready     map[string]bool
	installed []string
	planned   []string
	inflight  int
	maxFlight int
}

func newMockCache() *mockCache {
	return &mockCache{ready: make(map[string]bool)}
}

func (c *mockCache) Get(mediaID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready[mediaID] {
		return "/cache/" + mediaID, true
	}
	return "", false
}

func (c *mockCache) Install(ctx context.Context, mediaID, digest, sourceURL string, size int64) (string, error) {
	c.mu.Lock()
	c.inflight++
	if c.inflight > c.maxFlight {
		c.maxFlight = c.inflight
	}
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond) // expose concurrency

	c.mu.Lock()
	c.inflight--
	c.installed = append(c.installed, mediaID)
	c.ready[mediaID] = true
	c.mu.Unlock()
	return "/cache/" + mediaID, nil
}

func (c *mockCache) SetPlanned(mediaIDs []string) {
	c.mu.Lock()
	c.planned = append([]string(nil), mediaIDs...)
	c.mu.Unlock()
}

func (c *mockCache) snapshotInstalled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.installed...)
}

func (c *mockCache) snapshotPlanned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.planned...)
}

func itemsOf(n int) []snapshot.PlaylistItem {
	items := make([]snapshot.PlaylistItem, n)
	for i := range items {
		id := fmt.Sprintf("m%d", i)
		items[i] = snapshot.PlaylistItem{
			ItemID:     "i" + id,
			MediaID:    id,
			MediaType:  snapshot.MediaImage,
			DurationMs: 1000,
			SourceURL:  "https://media.example.com/" + id,
			Digest:     fmt.Sprintf("%064d", i),
			SizeBytes:  100,
		}
	}
	return items
}

func TestPlanPinsNowPlusHorizon(t *testing.T) {
	cache := newMockCache()
	snap := &snapshot.Snapshot{ScheduleID: "s", Items: itemsOf(10)}

	p, err := New(Options{Cache: cache, Snapshots: make(chan *snapshot.Snapshot), Initial: snap, Horizon: 2})
	if err != nil {
		t.Fatal(err)
	}
	p.SetPosition(4)
	p.plan(context.Background())

	want := []string{"m4", "m5", "m6"}
	got := cache.snapshotPlanned()
	if len(got) != len(want) {
		t.Fatalf("planned = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("planned[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPlanWrapsAroundLoop(t *testing.T) {
	cache := newMockCache()
	snap := &snapshot.Snapshot{ScheduleID: "s", Items: itemsOf(3)}

	p, err := New(Options{Cache: cache, Snapshots: make(chan *snapshot.Snapshot), Initial: snap, Horizon: 2})
	if err != nil {
		t.Fatal(err)
	}
	p.SetPosition(2)
	p.plan(context.Background())

	got := cache.snapshotPlanned()
	want := []string{"m2", "m0", "m1"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("planned = %v, want %v", got, want)
		}
	}
}

func TestCachedItemsSkipInstall(t *testing.T) {
	cache := newMockCache()
	cache.ready["m0"] = true
	cache.ready["m1"] = true
	snap := &snapshot.Snapshot{ScheduleID: "s", Items: itemsOf(3)}

	p, err := New(Options{Cache: cache, Snapshots: make(chan *snapshot.Snapshot), Initial: snap, Horizon: 2})
	if err != nil {
		t.Fatal(err)
	}
	p.plan(context.Background())

	got := cache.snapshotInstalled()
	if len(got) != 1 || got[0] != "m2" {
		t.Errorf("installed = %v, want only the uncached m2", got)
	}
}

func TestConcurrencyCap(t *testing.T) {
	cache := newMockCache()
	snap := &snapshot.Snapshot{ScheduleID: "s", Items: itemsOf(8)}

	p, err := New(Options{Cache: cache, Snapshots: make(chan *snapshot.Snapshot), Initial: snap, Horizon: 7, Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	p.plan(context.Background())

	if cache.maxFlight > 2 {
		t.Errorf("max concurrent installs = %d, cap is 2", cache.maxFlight)
	}
	if got := len(cache.snapshotInstalled()); got != 8 {
		t.Errorf("installed %d items, want 8", got)
	}
}

func TestEmergencyItemLeadsThePlan(t *testing.T) {
	cache := newMockCache()
	em := snapshot.PlaylistItem{
		ItemID: "e", MediaID: "m-em", MediaType: snapshot.MediaImage,
		DurationMs: 1000, SourceURL: "https://media.example.com/em",
		Digest: fmt.Sprintf("%064d", 99), SizeBytes: 10,
	}
	snap := &snapshot.Snapshot{
		ScheduleID: "s", Items: itemsOf(2),
		Emergency: &em, EmergencyActive: true,
	}

	p, err := New(Options{Cache: cache, Snapshots: make(chan *snapshot.Snapshot), Initial: snap, Horizon: 1})
	if err != nil {
		t.Fatal(err)
	}
	p.plan(context.Background())

	got := cache.snapshotPlanned()
	if len(got) == 0 || got[0] != "m-em" {
		t.Errorf("planned = %v, want emergency first", got)
	}
}

func TestURLItemsAreNotDownloaded(t *testing.T) {
	cache := newMockCache()
	snap := &snapshot.Snapshot{ScheduleID: "s", Items: []snapshot.PlaylistItem{{
		ItemID: "i1", MediaID: "m-url", MediaType: snapshot.MediaURL,
		DurationMs: 1000, // live URL media carries no source or digest
	}}}

	p, err := New(Options{Cache: cache, Snapshots: make(chan *snapshot.Snapshot), Initial: snap})
	if err != nil {
		t.Fatal(err)
	}
	p.plan(context.Background())

	if got := cache.snapshotInstalled(); len(got) != 0 {
		t.Errorf("installed = %v, want none for URL media", got)
	}
}

func TestServeReactsToSnapshotAndPosition(t *testing.T) {
	cache := newMockCache()
	feed := make(chan *snapshot.Snapshot, 1)

	p, err := New(Options{Cache: cache, Snapshots: feed, Horizon: 1})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Serve(ctx) //nolint:errcheck
		close(done)
	}()

	feed <- &snapshot.Snapshot{ScheduleID: "s", Items: itemsOf(4)}

	waitFor(t, func() bool {
		got := cache.snapshotInstalled()
		return len(got) >= 2
	})

	p.SetPosition(2)
	waitFor(t, func() bool {
		for _, id := range cache.snapshotInstalled() {
			if id == "m3" {
				return true
			}
		}
		return false
	})

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
