// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := fastClient(t, srv.URL)
	body, err := c.Do(context.Background(), http.MethodGet, "/thing", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDoReturns4xxImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := fastClient(t, srv.URL)
	_, err := c.Do(context.Background(), http.MethodGet, "/thing", nil)

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("expected StatusError 403, got %v", err)
	}
	if se.HTTPStatus() != http.StatusForbidden {
		t.Errorf("HTTPStatus() = %d", se.HTTPStatus())
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestDoHonours429RetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := fastClient(t, srv.URL)
	if _, err := c.Do(context.Background(), http.MethodGet, "/thing", nil); err != nil {
		t.Fatalf("Do after 429: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected retry after 429, got %d calls", calls.Load())
	}
}

func TestDoExhaustsAttemptsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := fastClient(t, srv.URL)
	_, err := c.Do(context.Background(), http.MethodGet, "/thing", nil)
	if !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline after exhausted retries, got %v", err)
	}
}

func TestGetAndPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get":
			w.Write([]byte(`{"value":"x"}`)) //nolint:errcheck
		case "/post":
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			w.Write([]byte(`{"value":"y"}`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := fastClient(t, srv.URL)

	var out struct {
		Value string `json:"value"`
	}
	if err := c.GetJSON(context.Background(), "/get", &out); err != nil || out.Value != "x" {
		t.Errorf("GetJSON: %v, value=%q", err, out.Value)
	}
	if err := c.PostJSON(context.Background(), "/post", map[string]int{"n": 1}, &out); err != nil || out.Value != "y" {
		t.Errorf("PostJSON: %v, value=%q", err, out.Value)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Any HTTP answer proves reachability, even an error status.
		w.WriteHeader(http.StatusNotFound)
	}))

	c := fastClient(t, srv.URL)
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe against live server: %v", err)
	}

	srv.Close()
	if err := c.Probe(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("Probe against dead server: %v", err)
	}
}

func TestUpload(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf) //nolint:errcheck
		gotBody.Store(string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := fastClient(t, srv.URL)
	payload := "bundle-bytes"
	err := c.Upload(context.Background(), srv.URL+"/up", "application/gzip",
		strings.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotBody.Load() != payload {
		t.Errorf("uploaded body = %q", gotBody.Load())
	}
}

func TestResolveKeepsQuery(t *testing.T) {
	c := fastClient(t, "http://cp.example.com/api/v1")
	got := c.resolve("/device-pairing/status?device_id=a%20b")
	want := "http://cp.example.com/api/v1/device-pairing/status?device_id=a%20b"
	if got != want {
		t.Errorf("resolve = %q, want %q", got, want)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second}
	for attempt := 0; attempt < 12; attempt++ {
		d := b.Delay(attempt)
		if d <= 0 || d > 10*time.Second {
			t.Errorf("Delay(%d) = %v out of bounds", attempt, d)
		}
	}
	// Early attempts stay near the base.
	if d := b.Delay(0); d > 2*time.Second {
		t.Errorf("Delay(0) = %v, want around 1s", d)
	}
}

func TestBackoffSleepInterruptible(t *testing.T) {
	b := Backoff{Base: time.Hour, Cap: time.Hour}
	done := make(chan struct{})
	close(done)
	start := time.Now()
	if b.Sleep(done, 0) {
		t.Error("Sleep completed despite closed done channel")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancellation")
	}

	quick := Backoff{Base: time.Millisecond, Cap: time.Millisecond}
	if !quick.Sleep(make(chan struct{}), 0) {
		t.Error("Sleep reported interruption without one")
	}
}
