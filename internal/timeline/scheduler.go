// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/snapshot"
)

// Event kinds emitted by the scheduler.
const (
	EventItemStart       = "item-start"
	EventItemEnd         = "item-end"
	EventTransitionStart = "transition-start"
	EventLoopComplete    = "loop-complete"
	EventStopped         = "stopped"
)

// jitterWarnThreshold is the single-observation jitter that earns a warning.
const jitterWarnThreshold = 100 * time.Millisecond

// jitterWindow is how many recent observations Stats keeps.
const jitterWindow = 100

// Event is one playback occurrence.
type Event struct {
	Kind string

	// Item is the playlist item the event concerns. Empty for
	// loop-complete and stopped.
	Item snapshot.PlaylistItem

	// Next is the upcoming item on a transition-start.
	Next *snapshot.PlaylistItem

	// Index is the item's position within the playlist.
	Index int

	// Loop counts completed passes over the playlist, starting at 0.
	Loop int

	// At is when the event was observed.
	At time.Time

	// Jitter is observed start minus planned start, item-start only.
	Jitter time.Duration

	// Completed is set on item-end when the item ran its full duration
	// (false on skip or stop).
	Completed bool
}

// JitterStats summarizes the rolling jitter window.
type JitterStats struct {
	Count int           `json:"count"`
	Max   time.Duration `json:"max"`
	P95   time.Duration `json:"p95"`
}

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlSkip
)

// Scheduler drains one playlist into timed events and loops it until
// stopped. A single consumer reads Events; the scheduler blocks rather than
// drop an event.
type Scheduler struct {
	events chan Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	paused  bool
	ctrl    chan ctrlKind
	jitters []time.Duration
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		events: make(chan Event, 32),
	}
}

// Events is the playback event feed.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Start begins looping playback of items, replacing any current run. An
// empty playlist just stops.
func (s *Scheduler) Start(items []snapshot.PlaylistItem) {
	s.Stop()
	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.paused = false
	s.ctrl = make(chan ctrlKind)
	done, ctrl := s.done, s.ctrl
	s.mu.Unlock()

	go s.run(ctx, items, ctrl, done)
}

// Stop halts playback and emits a final stopped event. Stopping an idle
// scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done, s.ctrl = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Pause freezes the remaining duration of the current item. Idempotent.
func (s *Scheduler) Pause() { s.control(ctrlPause) }

// Resume re-plans the current item from the present instant. Idempotent.
func (s *Scheduler) Resume() { s.control(ctrlResume) }

// SkipNext ends the current item immediately (not completed) and advances.
func (s *Scheduler) SkipNext() { s.control(ctrlSkip) }

// Paused reports whether playback is currently frozen.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Running reports whether a playlist is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) control(k ctrlKind) {
	s.mu.Lock()
	ctrl, done := s.ctrl, s.done
	s.mu.Unlock()
	if ctrl == nil {
		return
	}
	select {
	case ctrl <- k:
	case <-done:
	}
}

// Stats returns the rolling jitter summary.
func (s *Scheduler) Stats() JitterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := JitterStats{Count: len(s.jitters)}
	if st.Count == 0 {
		return st
	}
	sorted := make([]time.Duration, st.Count)
	copy(sorted, s.jitters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	st.Max = sorted[st.Count-1]
	st.P95 = sorted[(st.Count*95)/100]
	return st
}

func (s *Scheduler) recordJitter(item string, jitter time.Duration) {
	if jitter < 0 {
		jitter = 0
	}
	s.mu.Lock()
	s.jitters = append(s.jitters, jitter)
	if len(s.jitters) > jitterWindow {
		s.jitters = s.jitters[1:]
	}
	s.mu.Unlock()

	metrics.SchedulerJitter.Observe(jitter.Seconds())
	if jitter > jitterWarnThreshold {
		logging.Warn().
			Str("item_id", item).
			Dur("jitter", jitter).
			Msg("playback start jitter exceeded threshold")
	}
}

func (s *Scheduler) emit(ctx context.Context, ev Event) {
	ev.At = time.Now()
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// run is the playback loop. planned carries the monotonic instant each item
// should start; it advances by the item's (pause-adjusted) deadline so an
// observed start can never precede its plan.
func (s *Scheduler) run(ctx context.Context, items []snapshot.PlaylistItem, ctrl chan ctrlKind, done chan struct{}) {
	defer close(done)
	defer func() {
		// Drain the paused flag; a stopped scheduler is not paused.
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
		// Stopped is emitted without ctx so shutdown still delivers it.
		select {
		case s.events <- Event{Kind: EventStopped, At: time.Now()}:
		default:
		}
	}()

	loop := 0
	index := 0
	planned := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		item := items[index]

		observed := time.Now()
		jitter := observed.Sub(planned)
		s.recordJitter(item.ItemID, jitter)
		metrics.SchedulerItemsStarted.Inc()
		s.emit(ctx, Event{
			Kind:   EventItemStart,
			Item:   item,
			Index:  index,
			Loop:   loop,
			Jitter: maxDuration(jitter, 0),
		})

		// A single-item playlist transitions back into itself.
		n := items[(index+1)%len(items)]
		next := &n

		completed, plannedEnd := s.playItem(ctx, item, next, index, loop, ctrl)
		s.emit(ctx, Event{
			Kind:      EventItemEnd,
			Item:      item,
			Index:     index,
			Loop:      loop,
			Completed: completed,
		})
		if ctx.Err() != nil {
			return
		}

		planned = plannedEnd
		index++
		if index >= len(items) {
			index = 0
			loop++
			metrics.SchedulerLoops.Inc()
			s.emit(ctx, Event{Kind: EventLoopComplete, Loop: loop})
		}
	}
}

// playItem waits out one item's duration, honoring pause, resume, and skip,
// and fires the transition deadline (display duration minus transition
// lead). It returns whether the item completed naturally and the monotonic
// instant the next item is planned to start.
func (s *Scheduler) playItem(ctx context.Context, item snapshot.PlaylistItem, next *snapshot.PlaylistItem, index, loop int, ctrl chan ctrlKind) (bool, time.Time) {
	endRemaining := item.Duration()
	transRemaining := endRemaining - item.Transition()
	if transRemaining < 0 {
		transRemaining = 0
	}

	armedAt := time.Now()
	endTimer := time.NewTimer(endRemaining)
	transTimer := time.NewTimer(transRemaining)
	defer endTimer.Stop()
	defer transTimer.Stop()

	transDone := false
	paused := false

	for {
		select {
		case <-ctx.Done():
			return false, time.Now()

		case k := <-ctrl:
			switch k {
			case ctrlPause:
				if paused {
					continue
				}
				paused = true
				s.setPaused(true)
				elapsed := time.Since(armedAt)
				endRemaining = maxDuration(endRemaining-elapsed, 0)
				transRemaining = maxDuration(transRemaining-elapsed, 0)
				stopTimer(endTimer)
				stopTimer(transTimer)
				logging.Debug().Str("item_id", item.ItemID).Dur("remaining", endRemaining).Msg("playback paused")

			case ctrlResume:
				if !paused {
					continue
				}
				paused = false
				s.setPaused(false)
				armedAt = time.Now()
				endTimer.Reset(endRemaining)
				if !transDone {
					transTimer.Reset(transRemaining)
				}
				logging.Debug().Str("item_id", item.ItemID).Msg("playback resumed")

			case ctrlSkip:
				if paused {
					paused = false
					s.setPaused(false)
				}
				return false, time.Now()
			}

		case <-transTimer.C:
			if paused || transDone {
				continue
			}
			transDone = true
			s.emit(ctx, Event{
				Kind:  EventTransitionStart,
				Item:  item,
				Next:  next,
				Index: index,
				Loop:  loop,
			})

		case <-endTimer.C:
			if paused {
				continue
			}
			return true, armedAt.Add(endRemaining)
		}
	}
}

func (s *Scheduler) setPaused(v bool) {
	s.mu.Lock()
	s.paused = v
	s.mu.Unlock()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
