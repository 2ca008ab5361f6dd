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
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
	"github.com/tomtom215/kioskd/internal/transport"
)

// Record kinds. Each kind drains independently in FIFO order.
const (
	KindHeartbeat  = "heartbeat"
	KindPop        = "pop"
	KindCommandAck = "command-ack"
	KindLogBundle  = "log-bundle"
)

// drainKinds fixes the round-robin visiting order.
var drainKinds = []string{KindHeartbeat, KindPop, KindCommandAck, KindLogBundle}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("spool: closed")

	// ErrUnknownKind is returned for a kind outside the fixed set.
	ErrUnknownKind = errors.New("spool: unknown record kind")
)

// Record is one durable outbound item.
type Record struct {
	// Seq orders records within a kind. Assigned at enqueue, never reused.
	Seq uint64 `json:"seq"`

	// Kind selects the deliverer and the FIFO lane.
	Kind string `json:"kind"`

	// Payload is the serialized outbound body.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is when the record was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// Attempts counts failed delivery attempts.
	Attempts int `json:"attempts"`

	// NextAttempt defers retry until this instant. Zero means ready now.
	NextAttempt time.Time `json:"next_attempt,omitempty"`

	// LastError is the message from the most recent failed attempt.
	LastError string `json:"last_error,omitempty"`
}

// UnmarshalPayload deserializes the payload into v.
func (r *Record) UnmarshalPayload(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Deliverer attempts delivery of one record. A nil return deletes the
// record. An error carrying a 4xx HTTP status drops it as rejected; a
// deliverer that treats a particular status as success (proof-of-play
// duplicates answered 409, say) returns nil for it. Any other error leaves
// the record queued for retry.
type Deliverer interface {
	Deliver(ctx context.Context, rec Record) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, rec Record) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Options configures a Spool.
type Options struct {
	// Path is the badger directory. Required.
	Path string

	// MaxPerKind caps queued records per kind; overflow discards the
	// oldest record of the same kind. Default: 10000.
	MaxPerKind int

	// MaxAttempts drops a record after this many delivery failures.
	// Default: 10.
	MaxAttempts int

	// DrainInterval is the background drain cadence. Default: 15s.
	DrainInterval time.Duration

	// Backoff spaces retries of a failing record. Zero uses the
	// transport default policy.
	Backoff transport.Backoff
}

func (o *Options) setDefaults() {
	if o.MaxPerKind <= 0 {
		o.MaxPerKind = 10000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 15 * time.Second
	}
	if o.Backoff == (transport.Backoff{}) {
		o.Backoff = transport.DefaultBackoff()
	}
}

// Spool is the BadgerDB-backed outbound queue.
type Spool struct {
	db   *badger.DB
	opts Options

	mu         sync.Mutex
	seq        map[string]uint64 // next sequence per kind
	depth      map[string]int    // queued records per kind
	deliverers map[string]Deliverer
	closed     bool

	draining sync.Mutex // serializes drain passes
	kick     chan struct{}
}

// Open opens (or creates) the spool at opts.Path and rebuilds per-kind
// depth and sequence counters from the stored records.
func Open(opts Options) (*Spool, error) {
	if opts.Path == "" {
		return nil, errors.New("spool: path required")
	}
	opts.setDefaults()

	bopts := badger.DefaultOptions(opts.Path)
	bopts.SyncWrites = true
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("spool: open badger: %w", err)
	}

	s := &Spool{
		db:         db,
		opts:       opts,
		seq:        make(map[string]uint64),
		depth:      make(map[string]int),
		deliverers: make(map[string]Deliverer),
		kick:       make(chan struct{}, 1),
	}
	if err := s.recover(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	logging.Info().
		Str("path", opts.Path).
		Int("max_per_kind", opts.MaxPerKind).
		Int("queued", s.totalDepth()).
		Msg("spool opened")
	return s, nil
}

// SetDeliverer registers the delivery function for a kind. Kinds without a
// deliverer stay queued.
func (s *Spool) SetDeliverer(kind string, d Deliverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverers[kind] = d
}

// recover scans all records to rebuild counters.
func (s *Spool) recover() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for _, kind := range drainKinds {
			prefix := keyPrefix(kind)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				seq, err := seqFromKey(kind, it.Item().Key())
				if err != nil {
					return err
				}
				if seq >= s.seq[kind] {
					s.seq[kind] = seq + 1
				}
				s.depth[kind]++
			}
			metrics.SpoolDepth.WithLabelValues(kind).Set(float64(s.depth[kind]))
		}
		return nil
	})
}

// Enqueue persists one outbound record. When the kind is at capacity the
// oldest record of that kind is discarded first, keeping the newest data.
func (s *Spool) Enqueue(kind string, payload any) error {
	if !validKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("spool: marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	rec := Record{
		Seq:       s.seq[kind],
		Kind:      kind,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}
	val, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("spool: marshal record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if s.depth[kind] >= s.opts.MaxPerKind {
			oldest, err := oldestKey(txn, kind)
			if err != nil {
				return err
			}
			if oldest != nil {
				if err := txn.Delete(oldest); err != nil {
					return err
				}
				s.depth[kind]--
				metrics.SpoolDropped.WithLabelValues(kind, "overflow").Inc()
				logging.Warn().Str("kind", kind).Msg("spool at capacity, dropped oldest record")
			}
		}
		return txn.Set(recordKey(kind, rec.Seq), val)
	})
	if err != nil {
		return fmt.Errorf("spool: persist record: %w", err)
	}

	s.seq[kind]++
	s.depth[kind]++
	metrics.SpoolDepth.WithLabelValues(kind).Set(float64(s.depth[kind]))

	s.kickDrain()
	return nil
}

// Depth returns the number of queued records for kind.
func (s *Spool) Depth(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth[kind]
}

func (s *Spool) totalDepth() int {
	n := 0
	for _, kind := range drainKinds {
		n += s.depth[kind]
	}
	return n
}

// kickDrain nudges the drain loop without blocking.
func (s *Spool) kickDrain() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Serve implements suture.Service: it drains on a fixed cadence and
// whenever a new record arrives. On shutdown one final bounded drain pass
// runs so a reboot command's acknowledgement still gets out.
func (s *Spool) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Drain(final)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			s.Drain(ctx)
		case <-s.kick:
			s.Drain(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Spool) String() string { return "outbound-spool" }

// Drain runs one delivery pass: kinds round-robin, each kind FIFO, stopping
// a kind at its first still-failing record so order is preserved. Concurrent
// calls coalesce; a second caller waits for the running pass.
func (s *Spool) Drain(ctx context.Context) {
	s.draining.Lock()
	defer s.draining.Unlock()

	for _, kind := range drainKinds {
		s.drainKind(ctx, kind)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Spool) drainKind(ctx context.Context, kind string) {
	s.mu.Lock()
	d := s.deliverers[kind]
	closed := s.closed
	s.mu.Unlock()
	if d == nil || closed {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		rec, ok, err := s.peek(kind)
		if err != nil {
			logging.Error().Err(err).Str("kind", kind).Msg("spool read failed")
			return
		}
		if !ok {
			return
		}
		if !rec.NextAttempt.IsZero() && time.Now().Before(rec.NextAttempt) {
			// Head of the lane is backing off; FIFO means the rest waits too.
			return
		}

		err = d.Deliver(ctx, rec)
		switch classify(err) {
		case outcomeDelivered:
			if err := s.remove(kind, rec.Seq); err != nil {
				logging.Error().Err(err).Str("kind", kind).Msg("spool delete failed")
				return
			}
			metrics.SpoolDelivered.WithLabelValues(kind).Inc()

		case outcomeRejected:
			logging.Warn().
				Str("kind", kind).
				Uint64("seq", rec.Seq).
				Err(err).
				Msg("spool record rejected, dropping")
			if err := s.remove(kind, rec.Seq); err != nil {
				return
			}
			metrics.SpoolDropped.WithLabelValues(kind, "rejected").Inc()

		case outcomeRetry:
			rec.Attempts++
			rec.LastError = err.Error()
			if rec.Attempts >= s.opts.MaxAttempts {
				logging.Warn().
					Str("kind", kind).
					Uint64("seq", rec.Seq).
					Int("attempts", rec.Attempts).
					Msg("spool record exhausted retries, dropping")
				if err := s.remove(kind, rec.Seq); err != nil {
					return
				}
				metrics.SpoolDropped.WithLabelValues(kind, "exhausted").Inc()
				continue
			}
			rec.NextAttempt = time.Now().Add(s.opts.Backoff.Delay(rec.Attempts - 1))
			if err := s.update(rec); err != nil {
				logging.Error().Err(err).Str("kind", kind).Msg("spool update failed")
			}
			return // head is failing, stop this lane
		}
	}
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetry
	outcomeRejected
)

// classify maps a delivery error to the record's fate. 4xx (other than 429)
// is a permanent rejection; everything else retries.
func classify(err error) outcome {
	if err == nil {
		return outcomeDelivered
	}
	var carrier interface {
		error
		HTTPStatus() int
	}
	if errors.As(err, &carrier) {
		code := carrier.HTTPStatus()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return outcomeRejected
		}
	}
	return outcomeRetry
}

// peek returns the oldest record of kind without removing it.
func (s *Spool) peek(kind string) (Record, bool, error) {
	var rec Record
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := oldestKey(txn, kind)
		if err != nil || key == nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, found, err
}

func (s *Spool) remove(kind string, seq uint64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(kind, seq))
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.depth[kind] > 0 {
		s.depth[kind]--
	}
	metrics.SpoolDepth.WithLabelValues(kind).Set(float64(s.depth[kind]))
	s.mu.Unlock()
	return nil
}

func (s *Spool) update(rec Record) error {
	val, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Kind, rec.Seq), val)
	})
}

// Close shuts the spool down. Records stay on disk for the next start.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Wait for any in-flight drain pass before closing badger.
	s.draining.Lock()
	defer s.draining.Unlock()
	return s.db.Close()
}

// Keys are q:<kind>:<16-hex seq>; hex keeps lexical order equal to numeric
// order so the badger iterator walks each lane FIFO.

func keyPrefix(kind string) []byte {
	return []byte("q:" + kind + ":")
}

func recordKey(kind string, seq uint64) []byte {
	return []byte(fmt.Sprintf("q:%s:%016x", kind, seq))
}

func seqFromKey(kind string, key []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(key[len(keyPrefix(kind)):]), "%016x", &seq)
	if err != nil {
		return 0, fmt.Errorf("spool: malformed key %q: %w", key, err)
	}
	return seq, nil
}

func oldestKey(txn *badger.Txn, kind string) ([]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	prefix := keyPrefix(kind)
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return nil, nil
	}
	return it.Item().KeyCopy(nil), nil
}

func validKind(kind string) bool {
	for _, k := range drainKinds {
		if k == kind {
			return true
		}
	}
	return false
}
