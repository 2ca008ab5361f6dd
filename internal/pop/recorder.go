// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package pop records proof-of-play: one confirmed event per presented
// item, deduplicated on (device, media, start) and batched into the
// outbound spool.
package pop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/kioskd/internal/dedupe"
	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/spool"
)

const (
	// dedupeCapacity bounds the idempotency key set.
	dedupeCapacity = 4096

	// dedupeTTL keeps keys long enough to cover spool retries.
	dedupeTTL = 24 * time.Hour
)

// Event is one confirmed presentation.
type Event struct {
	DeviceID   string    `json:"device_id"`
	ScheduleID string    `json:"schedule_id"`
	MediaID    string    `json:"media_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMs int64     `json:"duration_ms"`
	Completed  bool      `json:"completed"`

	// Key is the idempotency key: device + media + start timestamp.
	Key string `json:"key"`
}

// Enqueuer is the durable outbound queue. *spool.Spool satisfies it.
type Enqueuer interface {
	Enqueue(kind string, payload any) error
}

// Options configures a Recorder.
type Options struct {
	// DeviceID stamps every event. Required.
	DeviceID string

	// Spool receives batches. Required.
	Spool Enqueuer

	// BatchSize flushes when this many events are buffered. Default: 50.
	BatchSize int

	// FlushInterval flushes buffered events on this cadence. Default: 30s.
	FlushInterval time.Duration
}

// Recorder tracks open presentations and emits completed events.
type Recorder struct {
	deviceID      string
	spool         Enqueuer
	batchSize     int
	flushInterval time.Duration

	seen *dedupe.Set

	mu    sync.Mutex
	open  map[string]openPlay // keyed by media id
	batch []Event
}

type openPlay struct {
	scheduleID string
	start      time.Time
}

// New creates a Recorder.
func New(opts Options) (*Recorder, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("pop: device id required")
	}
	if opts.Spool == nil {
		return nil, fmt.Errorf("pop: spool required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	return &Recorder{
		deviceID:      opts.DeviceID,
		spool:         opts.Spool,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		seen:          dedupe.New(dedupeCapacity, dedupeTTL),
		open:          make(map[string]openPlay),
	}, nil
}

// RecordStart marks mediaID as presenting. A start already open for the
// same media is abandoned; only paired start/end make an event.
func (r *Recorder) RecordStart(scheduleID, mediaID string) {
	if mediaID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, exists := r.open[mediaID]; exists {
		logging.Debug().
			Str("media_id", mediaID).
			Time("prior_start", prior.start).
			Msg("abandoning unended proof-of-play start")
	}
	r.open[mediaID] = openPlay{scheduleID: scheduleID, start: time.Now().UTC()}
}

// RecordEnd closes the open presentation of mediaID and buffers the event.
// An end without a matching start is logged and dropped.
func (r *Recorder) RecordEnd(scheduleID, mediaID string, completed bool) {
	r.mu.Lock()
	play, exists := r.open[mediaID]
	if !exists {
		r.mu.Unlock()
		logging.Warn().
			Str("schedule_id", scheduleID).
			Str("media_id", mediaID).
			Msg("proof-of-play end without start, dropping")
		return
	}
	delete(r.open, mediaID)

	end := time.Now().UTC()
	ev := Event{
		DeviceID:   r.deviceID,
		ScheduleID: play.scheduleID,
		MediaID:    mediaID,
		Start:      play.start,
		End:        end,
		DurationMs: end.Sub(play.start).Milliseconds(),
		Completed:  completed,
		Key:        fmt.Sprintf("%s|%s|%d", r.deviceID, mediaID, play.start.UnixNano()),
	}

	if r.seen.Seen(ev.Key) {
		r.mu.Unlock()
		metrics.PopDuplicatesDropped.Inc()
		logging.Debug().Str("key", ev.Key).Msg("duplicate proof-of-play dropped")
		return
	}

	r.batch = append(r.batch, ev)
	metrics.PopEventsRecorded.Inc()
	full := len(r.batch) >= r.batchSize
	r.mu.Unlock()

	if full {
		r.Flush()
	}
}

// Reset abandons all open presentations without emitting, as after a
// scheduler restart.
func (r *Recorder) Reset() {
	r.mu.Lock()
	n := len(r.open)
	r.open = make(map[string]openPlay)
	r.mu.Unlock()
	if n > 0 {
		logging.Debug().Int("abandoned", n).Msg("proof-of-play opens abandoned on reset")
	}
}

// Flush moves the buffered batch into the spool as one record.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if len(r.batch) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.batch
	r.batch = nil
	r.mu.Unlock()

	if err := r.spool.Enqueue(spool.KindPop, batch); err != nil {
		logging.Error().Err(err).Int("events", len(batch)).Msg("failed to spool proof-of-play batch")
		// Put the batch back so the next flush retries it.
		r.mu.Lock()
		r.batch = append(batch, r.batch...)
		r.mu.Unlock()
		return
	}
	logging.Debug().Int("events", len(batch)).Msg("proof-of-play batch spooled")
}

// Pending returns the number of buffered (unflushed) events.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batch)
}

// Serve implements suture.Service: time-bounded flushing, with a final
// flush on shutdown.
func (r *Recorder) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return ctx.Err()
		case <-ticker.C:
			r.Flush()
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (r *Recorder) String() string { return "pop-recorder" }
