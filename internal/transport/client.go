// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
)

// ErrOffline marks sustained transport failure; callers fall back to cached
// state and the spool keeps the side-effects.
var ErrOffline = errors.New("transport: control plane unreachable")

// StatusError is a non-2xx control-plane response returned without retry
// (except 429, which the client handles internally).
type StatusError struct {
	Code int
	Body string

	// retryAfterHeader carries the server's Retry-After hint for 429.
	retryAfterHeader string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected status %d: %s", e.Code, e.Body)
}

// HTTPStatus exposes the status code for errors.As matching across package
// boundaries.
func (e *StatusError) HTTPStatus() int { return e.Code }

// Options configures a Client.
type Options struct {
	// BaseURL is the control-plane REST base.
	BaseURL string

	// TLS enables mutual TLS when it carries a client certificate.
	TLS *tls.Config

	// Timeout is the per-request deadline. Default: 30s.
	Timeout time.Duration

	// MaxAttempts bounds retries on transport and 5xx failures. Default: 5.
	MaxAttempts int

	// Backoff is the retry policy. Zero value uses DefaultBackoff.
	Backoff Backoff

	// UserAgent is sent on every request.
	UserAgent string
}

// Client is the mutually-authenticated request/response transport.
// All request methods retry transport and 5xx failures under bounded
// backoff; 4xx is returned immediately as *StatusError.
type Client struct {
	base    *url.URL
	httpc   *http.Client
	opts    Options
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a Client. The breaker trips after a sustained failure
// ratio and short-circuits requests with ErrOffline while open, which is the
// agent's "sustained offline" signal.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("transport: invalid base URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "kioskd"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		transport.TLSClientConfig = opts.TLS
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "control-plane",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// A 4xx response proves the control plane is reachable; only
		// transport failures and 5xx count toward opening the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.Code < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("transport breaker state changed")
		},
	})

	return &Client{
		base: base,
		httpc: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:    opts,
		breaker: breaker,
	}, nil
}

// Offline reports whether the breaker currently considers the control plane
// unreachable.
func (c *Client) Offline() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// Do performs a request against the control plane and returns the response
// body. Retries transport and 5xx failures with backoff up to MaxAttempts;
// 429 waits for the server's Retry-After hint; other 4xx return immediately.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	u := c.resolve(path)

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.TransportRetries.Inc()
			if !sleepCtx(ctx, c.opts.Backoff.Delay(attempt-1)) {
				return nil, ctx.Err()
			}
		}

		out, err := c.breaker.Execute(func() ([]byte, error) {
			return c.once(ctx, method, u, body)
		})
		if err == nil {
			metrics.TransportRequests.WithLabelValues("ok").Inc()
			return out, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrOffline)
		}

		var se *StatusError
		if errors.As(err, &se) {
			switch {
			case se.Code == http.StatusTooManyRequests:
				metrics.TransportRequests.WithLabelValues("client_error").Inc()
				if !sleepCtx(ctx, se.retryAfter(c.opts.Backoff.Delay(attempt))) {
					return nil, ctx.Err()
				}
				lastErr = err
				continue
			case se.Code >= 500:
				metrics.TransportRequests.WithLabelValues("server_error").Inc()
				lastErr = err
				continue
			default:
				metrics.TransportRequests.WithLabelValues("client_error").Inc()
				return nil, err
			}
		}

		metrics.TransportRequests.WithLabelValues("transport_error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts failed: %v", ErrOffline, c.opts.MaxAttempts, lastErr)
}

// once performs a single attempt.
func (c *Client) once(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		se.retryAfterHeader = resp.Header.Get("Retry-After")
		return nil, se
	}
	return data, nil
}

// retryAfter returns the server's Retry-After hint, or fallback when absent
// or unparseable.
func (e *StatusError) retryAfter(fallback time.Duration) time.Duration {
	if e.retryAfterHeader == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(e.retryAfterHeader); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(e.retryAfterHeader); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return fallback
}

// GetJSON fetches path and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	data, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("transport: decode %s: %w", path, err)
	}
	return nil
}

// PostJSON encodes body, posts it to path, and decodes the response into out
// when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode %s: %w", path, err)
		}
	}
	resp, err := c.Do(ctx, http.MethodPost, path, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("transport: decode %s: %w", path, err)
	}
	return nil
}

// RawRequest performs a single un-retried request against an absolute URL
// using the client's TLS setup. Media downloads and presigned uploads go
// through here; their resume/backoff logic lives with the caller.
func (c *Client) RawRequest(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	// Streaming responses manage their own deadline via ctx.
	cl := &http.Client{Transport: c.httpc.Transport}
	return cl.Do(req)
}

// Upload PUTs body to an absolute (typically presigned) URL.
func (c *Client) Upload(ctx context.Context, rawURL, contentType string, body io.Reader, length int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if length >= 0 {
		req.ContentLength = length
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Probe checks connectivity with a single cheap request. Any HTTP response
// counts as reachable; only transport-level failure is an error.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	resp.Body.Close()
	return nil
}

// resolve joins path onto the base URL, keeping any query string intact.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	u := *c.base
	p := path
	q := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		p, q = path[:i], path[i+1:]
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(p, "/")
	u.RawQuery = q
	return u.String()
}

// sleepCtx waits for d or until ctx is done. Returns false when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
