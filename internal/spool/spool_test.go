// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package spool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/kioskd/internal/transport"
)

func openTestSpool(t *testing.T, opts Options) *Spool {
	t.Helper()
	if opts.Path == "" {
		opts.Path = t.TempDir()
	}
	if opts.Backoff == (transport.Backoff{}) {
		opts.Backoff = transport.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

type captureDeliverer struct {
	mu   sync.Mutex
	recs []Record
	errs []error // popped per call; nil when empty
}

func (c *captureDeliverer) Deliver(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func (c *captureDeliverer) delivered() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.recs))
	copy(out, c.recs)
	return out
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestEnqueueAndDrainFIFO(t *testing.T) {
	s := openTestSpool(t, Options{})
	sink := &captureDeliverer{}
	s.SetDeliverer(KindHeartbeat, sink)

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(KindHeartbeat, map[string]int{"n": i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if got := s.Depth(KindHeartbeat); got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}

	s.Drain(context.Background())

	recs := sink.delivered()
	if len(recs) != 3 {
		t.Fatalf("delivered %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		var body struct {
			N int `json:"n"`
		}
		if err := rec.UnmarshalPayload(&body); err != nil {
			t.Fatal(err)
		}
		if body.N != i {
			t.Errorf("record %d carries n=%d, want FIFO order", i, body.N)
		}
	}
	if got := s.Depth(KindHeartbeat); got != 0 {
		t.Errorf("Depth after drain = %d", got)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	s := openTestSpool(t, Options{})
	if err := s.Enqueue("gossip", nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Enqueue unknown kind: %v", err)
	}
}

func TestRetryKeepsRecordAndBacksOff(t *testing.T) {
	s := openTestSpool(t, Options{MaxAttempts: 5})
	sink := &captureDeliverer{errs: []error{errors.New("connection refused")}}
	s.SetDeliverer(KindPop, sink)

	if err := s.Enqueue(KindPop, map[string]string{"event": "start"}); err != nil {
		t.Fatal(err)
	}

	s.Drain(context.Background())
	if got := s.Depth(KindPop); got != 1 {
		t.Fatalf("record dropped on transient failure, depth = %d", got)
	}

	rec, ok, err := s.peek(KindPop)
	if err != nil || !ok {
		t.Fatalf("peek: ok=%v err=%v", ok, err)
	}
	if rec.Attempts != 1 || rec.NextAttempt.IsZero() {
		t.Errorf("attempts=%d nextAttempt=%v, want attempt recorded with backoff", rec.Attempts, rec.NextAttempt)
	}

	// After the backoff deadline passes the record delivers.
	time.Sleep(10 * time.Millisecond)
	s.Drain(context.Background())
	if got := s.Depth(KindPop); got != 0 {
		t.Errorf("depth after successful retry = %d", got)
	}
}

func TestPermanentRejectionDrops(t *testing.T) {
	s := openTestSpool(t, Options{})
	sink := &captureDeliverer{errs: []error{statusErr(http.StatusUnprocessableEntity)}}
	s.SetDeliverer(KindCommandAck, sink)

	if err := s.Enqueue(KindCommandAck, map[string]string{"id": "c1"}); err != nil {
		t.Fatal(err)
	}
	s.Drain(context.Background())

	if got := s.Depth(KindCommandAck); got != 0 {
		t.Errorf("rejected record not dropped, depth = %d", got)
	}
	if got := len(sink.delivered()); got != 1 {
		t.Errorf("deliver calls = %d, want exactly 1 for a 4xx", got)
	}
}

func TestRateLimitedIsRetriedNotDropped(t *testing.T) {
	s := openTestSpool(t, Options{})
	sink := &captureDeliverer{errs: []error{statusErr(http.StatusTooManyRequests)}}
	s.SetDeliverer(KindHeartbeat, sink)

	if err := s.Enqueue(KindHeartbeat, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	s.Drain(context.Background())

	if got := s.Depth(KindHeartbeat); got != 1 {
		t.Errorf("429 must queue for retry, depth = %d", got)
	}
}

func TestExhaustedRetriesDrop(t *testing.T) {
	s := openTestSpool(t, Options{MaxAttempts: 2})
	sink := &captureDeliverer{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	s.SetDeliverer(KindHeartbeat, sink)

	if err := s.Enqueue(KindHeartbeat, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		s.Drain(context.Background())
	}
	if got := s.Depth(KindHeartbeat); got != 0 {
		t.Errorf("record not dropped after exhausting attempts, depth = %d", got)
	}
}

func TestOverflowDropsOldestSameKind(t *testing.T) {
	s := openTestSpool(t, Options{MaxPerKind: 2})

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(KindPop, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Depth(KindPop); got != 2 {
		t.Fatalf("depth = %d, want cap of 2", got)
	}

	// The survivor set is the two newest records.
	rec, ok, err := s.peek(KindPop)
	if err != nil || !ok {
		t.Fatal(err)
	}
	var body struct {
		N int `json:"n"`
	}
	if err := rec.UnmarshalPayload(&body); err != nil {
		t.Fatal(err)
	}
	if body.N != 1 {
		t.Errorf("oldest surviving record n=%d, want 1", body.N)
	}
}

func TestHeadOfLineBlockingPerKindOnly(t *testing.T) {
	s := openTestSpool(t, Options{MaxAttempts: 5})

	failing := &captureDeliverer{errs: []error{errors.New("down"), errors.New("down")}}
	healthy := &captureDeliverer{}
	s.SetDeliverer(KindPop, failing)
	s.SetDeliverer(KindHeartbeat, healthy)

	if err := s.Enqueue(KindPop, map[string]int{"n": 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(KindHeartbeat, map[string]int{"n": 0}); err != nil {
		t.Fatal(err)
	}

	s.Drain(context.Background())

	if got := len(healthy.delivered()); got != 1 {
		t.Errorf("a failing lane must not starve others: heartbeat deliveries = %d", got)
	}
	if got := s.Depth(KindPop); got != 1 {
		t.Errorf("failing record lost, depth = %d", got)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(KindLogBundle, map[string]string{"bundle": "b1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openTestSpool(t, Options{Path: dir})
	if got := s2.Depth(KindLogBundle); got != 1 {
		t.Fatalf("depth after reopen = %d, want 1", got)
	}

	// Sequence numbers keep climbing across restarts.
	if err := s2.Enqueue(KindLogBundle, map[string]string{"bundle": "b2"}); err != nil {
		t.Fatal(err)
	}
	sink := &captureDeliverer{}
	s2.SetDeliverer(KindLogBundle, sink)
	s2.Drain(context.Background())

	recs := sink.delivered()
	if len(recs) != 2 {
		t.Fatalf("delivered %d, want 2", len(recs))
	}
	if recs[0].Seq >= recs[1].Seq {
		t.Errorf("sequence not monotonic across reopen: %d then %d", recs[0].Seq, recs[1].Seq)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	s, err := Open(Options{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(KindHeartbeat, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close: %v", err)
	}
}
