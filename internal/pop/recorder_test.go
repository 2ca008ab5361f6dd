// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package pop

import (
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/kioskd/internal/spool"
)

type mockSpool struct {
	mu      sync.Mutex
	batches [][]Event
	kinds   []string
	err     error
}

func (s *mockSpool) Enqueue(kind string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var batch []Event
	if err := json.Unmarshal(data, &batch); err != nil {
		return err
	}
	s.batches = append(s.batches, batch)
	s.kinds = append(s.kinds, kind)
	return nil
}

func (s *mockSpool) all() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func newTestRecorder(t *testing.T, sp Enqueuer, batchSize int) *Recorder {
	t.Helper()
	r, err := New(Options{DeviceID: "dev-1", Spool: sp, BatchSize: batchSize})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestStartEndMakesEvent(t *testing.T) {
	sp := &mockSpool{}
	r := newTestRecorder(t, sp, 50)

	r.RecordStart("sched-1", "m1")
	time.Sleep(2 * time.Millisecond)
	r.RecordEnd("sched-1", "m1", true)
	r.Flush()

	batches := sp.all()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("batches = %+v", batches)
	}
	ev := batches[0][0]
	if ev.DeviceID != "dev-1" || ev.ScheduleID != "sched-1" || ev.MediaID != "m1" {
		t.Errorf("event = %+v", ev)
	}
	if !ev.Completed || ev.DurationMs <= 0 {
		t.Errorf("completed=%v duration=%d", ev.Completed, ev.DurationMs)
	}
	if ev.Key == "" || ev.Start.IsZero() || ev.End.Before(ev.Start) {
		t.Errorf("event timing/key = %+v", ev)
	}
	if sp.kinds[0] != spool.KindPop {
		t.Errorf("spool kind = %s", sp.kinds[0])
	}
}

func TestEndWithoutStartDropped(t *testing.T) {
	sp := &mockSpool{}
	r := newTestRecorder(t, sp, 50)

	r.RecordEnd("sched-1", "m1", true)
	r.Flush()

	if got := sp.all(); len(got) != 0 {
		t.Errorf("unmatched end produced %+v", got)
	}
}

func TestResetAbandonsOpenStarts(t *testing.T) {
	sp := &mockSpool{}
	r := newTestRecorder(t, sp, 50)

	r.RecordStart("sched-1", "m1")
	r.Reset()
	r.RecordEnd("sched-1", "m1", true)
	r.Flush()

	if got := sp.all(); len(got) != 0 {
		t.Errorf("abandoned start still emitted: %+v", got)
	}
}

func TestBatchFlushesAtSize(t *testing.T) {
	sp := &mockSpool{}
	r := newTestRecorder(t, sp, 2)

	for _, id := range []string{"m1", "m2"} {
		r.RecordStart("sched-1", id)
		r.RecordEnd("sched-1", id, true)
	}

	batches := sp.all()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 at size bound, got %+v", batches)
	}
	if r.Pending() != 0 {
		t.Errorf("pending = %d after size flush", r.Pending())
	}
}

func TestFailedFlushKeepsBatch(t *testing.T) {
	sp := &mockSpool{err: spool.ErrClosed}
	r := newTestRecorder(t, sp, 50)

	r.RecordStart("sched-1", "m1")
	r.RecordEnd("sched-1", "m1", true)
	r.Flush()

	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want event retained on spool failure", r.Pending())
	}

	sp.mu.Lock()
	sp.err = nil
	sp.mu.Unlock()
	r.Flush()
	if r.Pending() != 0 || len(sp.all()) != 1 {
		t.Errorf("retry flush failed: pending=%d batches=%d", r.Pending(), len(sp.all()))
	}
}

func TestRestartedStartReplacesOpen(t *testing.T) {
	sp := &mockSpool{}
	r := newTestRecorder(t, sp, 50)

	r.RecordStart("sched-1", "m1")
	r.RecordStart("sched-1", "m1") // replay of the same item restarts the open play
	r.RecordEnd("sched-1", "m1", true)
	r.Flush()

	batches := sp.all()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("batches = %+v, want exactly one event", batches)
	}
}
