// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type mockHTTPServer struct {
	listenErr error
	blockCh   chan struct{}
	shutdowns atomic.Int32
}

func (m *mockHTTPServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.blockCh
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	m.shutdowns.Add(1)
	close(m.blockCh)
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := &mockHTTPServer{blockCh: make(chan struct{})}
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("shutdowns = %d", srv.shutdowns.Load())
	}
}

func TestHTTPServiceListenFailure(t *testing.T) {
	srv := &mockHTTPServer{listenErr: errors.New("address in use")}
	svc := NewHTTPServerService(srv, time.Second)

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("listen failure not propagated")
	}
}

type mockComponent struct {
	startErr error
	stopErr  error
	starts   atomic.Int32
	stops    atomic.Int32
}

func (m *mockComponent) Start(context.Context) error {
	m.starts.Add(1)
	return m.startErr
}

func (m *mockComponent) Stop(context.Context) error {
	m.stops.Add(1)
	return m.stopErr
}

func TestStartStopServiceLifecycle(t *testing.T) {
	comp := &mockComponent{}
	svc := NewStartStopService("renderer", comp, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if comp.starts.Load() != 1 || comp.stops.Load() != 1 {
		t.Errorf("starts=%d stops=%d", comp.starts.Load(), comp.stops.Load())
	}
	if svc.String() != "renderer" {
		t.Errorf("name = %q", svc.String())
	}
}

func TestStartStopServiceStartFailure(t *testing.T) {
	comp := &mockComponent{startErr: errors.New("binary missing")}
	svc := NewStartStopService("renderer", comp, time.Second)

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("start failure not propagated")
	}
	if comp.stops.Load() != 0 {
		t.Error("Stop called after failed Start")
	}
}
