// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package contentcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
)

// Entry statuses.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusQuarantined = "quarantined"
	StatusError       = "error"
)

var (
	// ErrCacheFull means eviction could not free enough unpinned space.
	ErrCacheFull = errors.New("contentcache: cache full")

	// ErrIntegrity means the downloaded bytes did not hash to the
	// expected digest; the blob is quarantined.
	ErrIntegrity = errors.New("contentcache: integrity mismatch")

	// ErrPaused means the bandwidth budget is zero and downloads are
	// suspended.
	ErrPaused = errors.New("contentcache: downloads paused")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("contentcache: closed")
)

// Entry is one cache index row.
type Entry struct {
	MediaID  string    `json:"media_id"`
	Digest   string    `json:"digest"` // hex SHA-256
	Size     int64     `json:"size"`
	Path     string    `json:"path"`
	LastUsed time.Time `json:"last_used"`
	Status   string    `json:"status"`
	ETag     string    `json:"etag,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Stats summarizes the cache for the health surface.
type Stats struct {
	Entries     map[string]int `json:"entries"`
	ReadyBytes  int64          `json:"ready_bytes"`
	MaxBytes    int64          `json:"max_bytes"`
	Pinned      int            `json:"pinned"`
	Evictions   int64          `json:"evictions"`
	Quarantines int64          `json:"quarantines"`
}

// Downloader performs one raw HTTP request toward a media source URL.
// *transport.Client satisfies this.
type Downloader interface {
	RawRequest(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error)
}

// Options configures a Cache.
type Options struct {
	// Root is the cache directory; the cache owns this tree exclusively.
	Root string

	// MaxBytes caps the total size of ready entries.
	MaxBytes int64

	// Downloader fetches media bytes. Required for Install.
	Downloader Downloader

	// BandwidthBytesPerSec is the rolling download budget. Zero pauses
	// all downloads until SetBandwidth raises it.
	BandwidthBytesPerSec float64
}

// Cache is the content-addressed media store. All index mutations go
// through the cache's methods; the badger index is single-writer by way of
// the cache mutex.
type Cache struct {
	root string
	max  int64
	dl   Downloader

	db *badger.DB

	mu         sync.Mutex
	readyBytes int64
	pins       map[string]int // refcounted: pin/unpin may overlap with SetPins
	planned    map[string]struct{}
	closed     bool

	limiter *rate.Limiter

	installs   singleflight.Group
	evictions  int64
	quarantine int64
}

// Open opens the cache at opts.Root, creating the tree when absent, and
// repairs the index against the filesystem: a ready entry without its file
// demotes to pending, and object files without an index row are removed.
func Open(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, errors.New("contentcache: root required")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New("contentcache: max bytes required")
	}

	for _, dir := range []string{opts.Root, objectsDir(opts.Root), quarantineDir(opts.Root), tmpDir(opts.Root)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("contentcache: create %s: %w", dir, err)
		}
	}

	bopts := badger.DefaultOptions(filepath.Join(opts.Root, "index"))
	bopts.SyncWrites = true
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("contentcache: open index: %w", err)
	}

	c := &Cache{
		root:    opts.Root,
		max:     opts.MaxBytes,
		dl:      opts.Downloader,
		db:      db,
		pins:    make(map[string]int),
		planned: make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(opts.BandwidthBytesPerSec), budgetBurst(opts.BandwidthBytesPerSec)),
	}
	if err := c.repair(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	logging.Info().
		Str("root", opts.Root).
		Int64("max_bytes", opts.MaxBytes).
		Int64("ready_bytes", c.readyBytes).
		Msg("content cache opened")
	return c, nil
}

func objectsDir(root string) string    { return filepath.Join(root, "objects") }
func quarantineDir(root string) string { return filepath.Join(root, "quarantine") }
func tmpDir(root string) string        { return filepath.Join(root, "tmp") }

func (c *Cache) objectPath(mediaID string) string {
	return filepath.Join(objectsDir(c.root), mediaID)
}

// repair reconciles index and filesystem after an unclean stop.
func (c *Cache) repair() error {
	indexed := make(map[string]struct{})

	err := c.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			indexed[e.MediaID] = struct{}{}

			switch e.Status {
			case StatusReady:
				if fi, err := os.Stat(e.Path); err != nil || fi.Size() != e.Size {
					logging.Warn().Str("media_id", e.MediaID).Msg("ready entry missing its file, demoting to pending")
					e.Status = StatusPending
					e.Path = ""
					if err := putEntry(txn, &e); err != nil {
						return err
					}
				} else {
					c.readyBytes += e.Size
				}
			case StatusDownloading:
				// Partial bytes stay in tmp for resume; the entry just
				// loses its in-flight claim.
				e.Status = StatusPending
				if err := putEntry(txn, &e); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("contentcache: repair index: %w", err)
	}

	// Object files with no index row are unowned; remove them.
	files, err := os.ReadDir(objectsDir(c.root))
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := indexed[f.Name()]; !ok {
			logging.Warn().Str("file", f.Name()).Msg("removing orphaned cache object")
			os.Remove(filepath.Join(objectsDir(c.root), f.Name())) //nolint:errcheck
		}
	}

	c.publishStats()
	return nil
}

// SetBandwidth replaces the download budget in bytes per second. Zero
// pauses new downloads.
func (c *Cache) SetBandwidth(bytesPerSec float64) {
	c.limiter.SetLimit(rate.Limit(bytesPerSec))
	c.limiter.SetBurst(budgetBurst(bytesPerSec))
}

// budgetBurst sizes the token bucket to roughly one second of budget.
func budgetBurst(bytesPerSec float64) int {
	if bytesPerSec <= 0 {
		return 0
	}
	return int(bytesPerSec)
}

// Get returns the local path for a ready entry and refreshes its LRU
// position. Any other status is a miss.
func (c *Cache) Get(mediaID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false
	}

	var path string
	found := false
	err := c.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, mediaID)
		if err != nil || e == nil || e.Status != StatusReady {
			return err
		}
		e.LastUsed = time.Now().UTC()
		path = e.Path
		found = true
		return putEntry(txn, e)
	})
	if err != nil {
		logging.Error().Err(err).Str("media_id", mediaID).Msg("cache lookup failed")
		return "", false
	}
	return path, found
}

// Pin forbids eviction of mediaID until the matching Unpin.
func (c *Cache) Pin(mediaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[mediaID]++
}

// Unpin releases one Pin reference.
func (c *Cache) Unpin(mediaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[mediaID] > 1 {
		c.pins[mediaID]--
	} else {
		delete(c.pins, mediaID)
	}
}

// SetPlanned replaces the planner's pin set in one step: entries planned to
// present within the prefetch horizon. Explicit Pin references are
// unaffected.
func (c *Cache) SetPlanned(mediaIDs []string) {
	next := make(map[string]struct{}, len(mediaIDs))
	for _, id := range mediaIDs {
		next[id] = struct{}{}
	}
	c.mu.Lock()
	c.planned = next
	c.mu.Unlock()
}

func (c *Cache) pinned(mediaID string) bool {
	if _, ok := c.planned[mediaID]; ok {
		return true
	}
	return c.pins[mediaID] > 0
}

// Clear removes unpinned entries; force removes everything, pins and
// quarantined blobs included.
func (c *Cache) Clear(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	var entries []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		entries, err = allEntries(txn)
		return err
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !force && c.pinned(e.MediaID) {
			continue
		}
		if err := c.removeEntryLocked(&e); err != nil {
			return err
		}
	}

	if force {
		files, err := os.ReadDir(quarantineDir(c.root))
		if err == nil {
			for _, f := range files {
				os.Remove(filepath.Join(quarantineDir(c.root), f.Name())) //nolint:errcheck
			}
		}
	}

	c.publishStats()
	logging.Info().Bool("force", force).Msg("cache cleared")
	return nil
}

// removeEntryLocked unlinks the file before deleting the index row, so a
// crash in between leaves a pending row rather than an unowned file.
func (c *Cache) removeEntryLocked(e *Entry) error {
	if e.Path != "" {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("contentcache: unlink %s: %w", e.Path, err)
		}
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(e.MediaID))
	})
	if err != nil {
		return err
	}
	if e.Status == StatusReady {
		c.readyBytes -= e.Size
	}
	return nil
}

// ensureSpaceLocked evicts least-recently-used unpinned ready entries until
// need bytes fit under the budget. keep is excluded from eviction.
func (c *Cache) ensureSpaceLocked(need int64, keep string) error {
	if need > c.max {
		return fmt.Errorf("%w: object of %d bytes exceeds budget", ErrCacheFull, need)
	}

	for c.readyBytes+need > c.max {
		var candidates []Entry
		err := c.db.View(func(txn *badger.Txn) error {
			all, err := allEntries(txn)
			if err != nil {
				return err
			}
			for _, e := range all {
				if e.Status == StatusReady && e.MediaID != keep && !c.pinned(e.MediaID) {
					candidates = append(candidates, e)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return fmt.Errorf("%w: need %d bytes, nothing evictable", ErrCacheFull, need)
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastUsed.Before(candidates[j].LastUsed)
		})
		victim := candidates[0]
		if err := c.removeEntryLocked(&victim); err != nil {
			return err
		}
		c.evictions++
		metrics.CacheEvictions.Inc()
		logging.Info().
			Str("media_id", victim.MediaID).
			Int64("size", victim.Size).
			Msg("evicted cache entry")
	}
	return nil
}

// Stats returns a point-in-time summary.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:     make(map[string]int),
		ReadyBytes:  c.readyBytes,
		MaxBytes:    c.max,
		Pinned:      len(c.pins) + len(c.planned),
		Evictions:   c.evictions,
		Quarantines: c.quarantine,
	}
	c.db.View(func(txn *badger.Txn) error { //nolint:errcheck
		all, err := allEntries(txn)
		if err != nil {
			return err
		}
		for _, e := range all {
			s.Entries[e.Status]++
		}
		return nil
	})
	return s
}

func (c *Cache) publishStats() {
	metrics.CacheSizeBytes.Set(float64(c.readyBytes))
	counts := make(map[string]int)
	c.db.View(func(txn *badger.Txn) error { //nolint:errcheck
		all, err := allEntries(txn)
		if err != nil {
			return err
		}
		for _, e := range all {
			counts[e.Status]++
		}
		return nil
	})
	for _, status := range []string{StatusPending, StatusDownloading, StatusReady, StatusQuarantined, StatusError} {
		metrics.CacheEntries.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// Close releases the index. Files stay on disk.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// Index helpers. Rows live under e:<media-id>.

func entryKey(mediaID string) []byte { return []byte("e:" + mediaID) }

func getEntry(txn *badger.Txn, mediaID string) (*Entry, error) {
	item, err := txn.Get(entryKey(mediaID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
		return nil, err
	}
	return &e, nil
}

func putEntry(txn *badger.Txn, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return txn.Set(entryKey(e.MediaID), data)
}

func allEntries(txn *badger.Txn) ([]Entry, error) {
	var out []Entry
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var e Entry
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) })
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
