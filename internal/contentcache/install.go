// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package contentcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
)

// Install downloads mediaID from sourceURL, verifies it against
// expectedDigest (hex SHA-256), and installs it atomically. size is the
// declared byte length used for eviction planning. Concurrent installs of
// the same media id share one download; the second caller joins the first's
// in-flight work and receives its result.
func (c *Cache) Install(ctx context.Context, mediaID, expectedDigest, sourceURL string, size int64) (string, error) {
	if mediaID == "" || strings.ContainsAny(mediaID, "/\\") {
		return "", fmt.Errorf("contentcache: invalid media id %q", mediaID)
	}
	if c.dl == nil {
		return "", errors.New("contentcache: no downloader configured")
	}

	if path, ok := c.Get(mediaID); ok {
		return path, nil
	}

	out, err, _ := c.installs.Do(mediaID, func() (any, error) {
		return c.install(ctx, mediaID, expectedDigest, sourceURL, size)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Cache) install(ctx context.Context, mediaID, expectedDigest, sourceURL string, size int64) (string, error) {
	// Re-check under the flight lock: a joiner may arrive after the first
	// caller already finished.
	if path, ok := c.Get(mediaID); ok {
		return path, nil
	}

	if c.limiter.Limit() == 0 {
		return "", ErrPaused
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if err := c.ensureSpaceLocked(size, mediaID); err != nil {
		c.mu.Unlock()
		return "", err
	}
	priorETag, err := c.claimLocked(mediaID, expectedDigest, size)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	tmpPath := filepath.Join(tmpDir(c.root), mediaID+".part")
	actualSize, err := c.download(ctx, sourceURL, tmpPath, priorETag, mediaID)
	if err != nil {
		if isDiskFull(err) {
			os.Remove(tmpPath) //nolint:errcheck
			c.setStatus(mediaID, StatusPending, err.Error())
			return "", fmt.Errorf("%w: %v", ErrCacheFull, err)
		}
		c.setStatus(mediaID, StatusPending, err.Error())
		return "", fmt.Errorf("contentcache: download %s: %w", mediaID, err)
	}

	sum, err := hashFile(tmpPath)
	if err != nil {
		c.setStatus(mediaID, StatusError, err.Error())
		return "", fmt.Errorf("contentcache: hash %s: %w", mediaID, err)
	}
	if !strings.EqualFold(sum, expectedDigest) {
		qPath := filepath.Join(quarantineDir(c.root), mediaID)
		if err := os.Rename(tmpPath, qPath); err != nil {
			os.Remove(tmpPath) //nolint:errcheck
			qPath = ""
		}
		c.quarantineEntry(mediaID, qPath, actualSize)
		logging.Error().
			Str("media_id", mediaID).
			Str("expected", expectedDigest).
			Str("actual", sum).
			Msg("cache integrity failure, blob quarantined")
		return "", fmt.Errorf("%w: media %s", ErrIntegrity, mediaID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The declared size guided eviction; settle the budget on actual bytes.
	if err := c.ensureSpaceLocked(actualSize, mediaID); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		c.setStatusLocked(mediaID, StatusPending, err.Error())
		return "", err
	}

	final := c.objectPath(mediaID)
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		c.setStatusLocked(mediaID, StatusError, err.Error())
		return "", fmt.Errorf("contentcache: install %s: %w", mediaID, err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, mediaID)
		if err != nil {
			return err
		}
		if e == nil {
			e = &Entry{MediaID: mediaID}
		}
		e.Status = StatusReady
		e.Digest = strings.ToLower(expectedDigest)
		e.Size = actualSize
		e.Path = final
		e.LastUsed = time.Now().UTC()
		e.LastErr = ""
		e.ETag = ""
		return putEntry(txn, e)
	})
	if err != nil {
		return "", fmt.Errorf("contentcache: index %s: %w", mediaID, err)
	}

	c.readyBytes += actualSize
	metrics.CacheInstallBytes.Add(float64(actualSize))
	c.publishStats()
	logging.Info().
		Str("media_id", mediaID).
		Int64("bytes", actualSize).
		Msg("media installed")
	return final, nil
}

// claimLocked records the downloading claim, preserving resume state from
// an earlier attempt. Returns the entity tag of any partial download.
func (c *Cache) claimLocked(mediaID, digest string, size int64) (string, error) {
	var etag string
	err := c.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, mediaID)
		if err != nil {
			return err
		}
		if e == nil {
			e = &Entry{MediaID: mediaID}
		}
		etag = e.ETag
		e.Status = StatusDownloading
		e.Digest = strings.ToLower(digest)
		e.Size = size
		return putEntry(txn, e)
	})
	return etag, err
}

func (c *Cache) setStatus(mediaID, status, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatusLocked(mediaID, status, lastErr)
}

func (c *Cache) setStatusLocked(mediaID, status, lastErr string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, mediaID)
		if err != nil || e == nil {
			return err
		}
		e.Status = status
		e.LastErr = lastErr
		return putEntry(txn, e)
	})
	if err != nil {
		logging.Error().Err(err).Str("media_id", mediaID).Msg("cache index update failed")
	}
	c.publishStats()
}

func (c *Cache) quarantineEntry(mediaID, qPath string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quarantine++
	err := c.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, mediaID)
		if err != nil {
			return err
		}
		if e == nil {
			e = &Entry{MediaID: mediaID}
		}
		e.Status = StatusQuarantined
		e.Path = qPath
		e.Size = size
		e.LastErr = "digest mismatch"
		e.ETag = ""
		return putEntry(txn, e)
	})
	if err != nil {
		logging.Error().Err(err).Str("media_id", mediaID).Msg("cache quarantine update failed")
	}
	metrics.CacheQuarantines.Inc()
	c.publishStats()
}

// rememberETag persists the validator for a partial download so a later
// resume can prove the bytes still match the origin object.
func (c *Cache) rememberETag(mediaID, etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, mediaID)
		if err != nil || e == nil {
			return err
		}
		e.ETag = etag
		return putEntry(txn, e)
	})
	if err != nil {
		logging.Error().Err(err).Str("media_id", mediaID).Msg("cache etag update failed")
	}
}

// download streams sourceURL into tmpPath under the bandwidth budget,
// resuming a partial file when the origin honours range requests.
func (c *Cache) download(ctx context.Context, sourceURL, tmpPath, priorETag, mediaID string) (int64, error) {
	var offset int64
	if fi, err := os.Stat(tmpPath); err == nil {
		offset = fi.Size()
	}

	header := make(http.Header)
	if offset > 0 && priorETag != "" {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		header.Set("If-Range", priorETag)
	} else if offset > 0 {
		// Partial bytes with no validator cannot be trusted.
		os.Remove(tmpPath) //nolint:errcheck
		offset = 0
	}

	resp, err := c.dl.RawRequest(ctx, http.MethodGet, sourceURL, header)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var f *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		f, err = os.OpenFile(tmpPath, os.O_WRONLY|os.O_APPEND, 0o600)
		logging.Debug().Str("media_id", mediaID).Int64("offset", offset).Msg("resuming download")
	case http.StatusOK:
		offset = 0
		f, err = os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	case http.StatusRequestedRangeNotSatisfiable:
		os.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("origin rejected resume range at offset %d", offset)
	default:
		return 0, fmt.Errorf("origin status %d", resp.StatusCode)
	}
	if err != nil {
		return 0, err
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		c.rememberETag(mediaID, etag)
	}

	written, copyErr := c.copyBudgeted(ctx, f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		// Keep the partial file; the next attempt resumes from here.
		return 0, copyErr
	}
	if closeErr != nil {
		return 0, closeErr
	}
	return offset + written, nil
}

// copyBudgeted copies src to dst metering bytes through the shared
// bandwidth limiter so concurrent downloads share one budget.
func (c *Cache) copyBudgeted(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := c.waitBudget(ctx, n); err != nil {
				return total, err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// waitBudget blocks until n bytes fit in the budget. A chunk larger than
// the burst is metered in burst-sized pieces.
func (c *Cache) waitBudget(ctx context.Context, n int) error {
	if c.limiter.Limit() == 0 {
		return ErrPaused
	}
	for n > 0 {
		step := n
		if burst := c.limiter.Burst(); step > burst && burst > 0 {
			step = burst
		}
		if err := c.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}
