// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package timeline

import (
	"testing"
	"time"

	"github.com/tomtom215/kioskd/internal/snapshot"
)

func testItems(durations ...time.Duration) []snapshot.PlaylistItem {
	items := make([]snapshot.PlaylistItem, len(durations))
	for i, d := range durations {
		items[i] = snapshot.PlaylistItem{
			ItemID:     string(rune('a' + i)),
			MediaID:    "m" + string(rune('a'+i)),
			MediaType:  snapshot.MediaImage,
			DurationMs: d.Milliseconds(),
		}
	}
	return items
}

func nextEvent(t *testing.T, s *Scheduler) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectEvent(t *testing.T, s *Scheduler, kind string) Event {
	t.Helper()
	ev := nextEvent(t, s)
	if ev.Kind != kind {
		t.Fatalf("event = %s, want %s", ev.Kind, kind)
	}
	return ev
}

func TestLoopEmitsOrderedEvents(t *testing.T) {
	s := NewScheduler()
	s.Start(testItems(30*time.Millisecond, 30*time.Millisecond))
	defer s.Stop()

	start := expectEvent(t, s, EventItemStart)
	if start.Index != 0 || start.Loop != 0 {
		t.Errorf("first start index=%d loop=%d", start.Index, start.Loop)
	}

	expectEvent(t, s, EventTransitionStart)
	end := expectEvent(t, s, EventItemEnd)
	if !end.Completed {
		t.Error("natural end must be completed")
	}

	second := expectEvent(t, s, EventItemStart)
	if second.Index != 1 {
		t.Errorf("second start index = %d", second.Index)
	}
	expectEvent(t, s, EventTransitionStart)
	expectEvent(t, s, EventItemEnd)

	loop := expectEvent(t, s, EventLoopComplete)
	if loop.Loop != 1 {
		t.Errorf("loop counter = %d", loop.Loop)
	}

	// The list restarts from index 0.
	restart := expectEvent(t, s, EventItemStart)
	if restart.Index != 0 || restart.Loop != 1 {
		t.Errorf("restart index=%d loop=%d", restart.Index, restart.Loop)
	}
}

func TestObservedStartNeverBeforePlanned(t *testing.T) {
	s := NewScheduler()
	s.Start(testItems(20*time.Millisecond, 20*time.Millisecond))
	defer s.Stop()

	for i := 0; i < 6; i++ {
		ev := nextEvent(t, s)
		if ev.Kind == EventItemStart && ev.Jitter < 0 {
			t.Errorf("negative jitter %v on %s", ev.Jitter, ev.Item.ItemID)
		}
	}
}

func TestTransitionEqualToDurationFiresAtStart(t *testing.T) {
	items := testItems(40 * time.Millisecond)
	items[0].TransitionMs = items[0].DurationMs

	s := NewScheduler()
	s.Start(items)
	defer s.Stop()

	start := expectEvent(t, s, EventItemStart)
	trans := expectEvent(t, s, EventTransitionStart)
	if gap := trans.At.Sub(start.At); gap > 20*time.Millisecond {
		t.Errorf("transition fired %v after start, want immediately", gap)
	}
	end := expectEvent(t, s, EventItemEnd)
	if elapsed := end.At.Sub(start.At); elapsed < 40*time.Millisecond {
		t.Errorf("item ended after %v, want full duration", elapsed)
	}
}

func TestPauseFreezesRemainingDuration(t *testing.T) {
	s := NewScheduler()
	s.Start(testItems(80 * time.Millisecond))
	defer s.Stop()

	start := expectEvent(t, s, EventItemStart)

	time.Sleep(20 * time.Millisecond)
	s.Pause()
	s.Pause() // idempotent
	if !s.Paused() {
		t.Fatal("Paused() = false after Pause")
	}

	// While paused, no end event arrives even past the nominal duration.
	select {
	case ev := <-s.Events():
		if ev.Kind == EventItemEnd {
			t.Fatal("item ended while paused")
		}
	case <-time.After(120 * time.Millisecond):
	}

	s.Resume()
	s.Resume() // idempotent
	if s.Paused() {
		t.Fatal("Paused() = true after Resume")
	}

	var end Event
	for {
		end = nextEvent(t, s)
		if end.Kind == EventItemEnd {
			break
		}
	}
	// Total wall time covers duration plus the paused stretch.
	if elapsed := end.At.Sub(start.At); elapsed < 160*time.Millisecond {
		t.Errorf("item ended after %v, pause did not freeze remaining time", elapsed)
	}
}

func TestSkipEndsItemNotCompleted(t *testing.T) {
	s := NewScheduler()
	s.Start(testItems(10*time.Second, 30*time.Millisecond))
	defer s.Stop()

	expectEvent(t, s, EventItemStart)
	s.SkipNext()

	var end Event
	for {
		end = nextEvent(t, s)
		if end.Kind == EventItemEnd {
			break
		}
	}
	if end.Completed {
		t.Error("skipped item reported completed")
	}

	next := expectEvent(t, s, EventItemStart)
	if next.Index != 1 {
		t.Errorf("after skip index = %d, want 1", next.Index)
	}
}

func TestStopEmitsStoppedAndIsIdempotent(t *testing.T) {
	s := NewScheduler()
	s.Start(testItems(10 * time.Second))
	expectEvent(t, s, EventItemStart)

	s.Stop()
	s.Stop() // idempotent on an idle scheduler

	sawStopped := false
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == EventStopped {
				sawStopped = true
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	if !sawStopped {
		t.Error("no stopped event after Stop")
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestStartReplacesRunningPlaylist(t *testing.T) {
	s := NewScheduler()
	s.Start(testItems(10 * time.Second))
	first := expectEvent(t, s, EventItemStart)
	if first.Item.ItemID != "a" {
		t.Fatalf("first item = %s", first.Item.ItemID)
	}

	replacement := testItems(20 * time.Millisecond)
	replacement[0].ItemID = "z"
	s.Start(replacement)
	defer s.Stop()

	for {
		ev := nextEvent(t, s)
		if ev.Kind == EventItemStart {
			if ev.Item.ItemID != "z" {
				t.Errorf("replacement start = %s", ev.Item.ItemID)
			}
			return
		}
	}
}

func TestJitterStatsWindow(t *testing.T) {
	s := NewScheduler()
	for i := 0; i < jitterWindow+20; i++ {
		s.recordJitter("x", time.Duration(i)*time.Microsecond)
	}
	st := s.Stats()
	if st.Count != jitterWindow {
		t.Errorf("window count = %d, want %d", st.Count, jitterWindow)
	}
	if st.Max < st.P95 {
		t.Errorf("max %v < p95 %v", st.Max, st.P95)
	}
}

func TestEmptyPlaylistDoesNotStart(t *testing.T) {
	s := NewScheduler()
	s.Start(nil)
	if s.Running() {
		t.Error("scheduler running with empty playlist")
	}
}
