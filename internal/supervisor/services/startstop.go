// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package services

import (
	"context"
	"fmt"
	"time"
)

// StartStopper is a component with explicit lifecycle methods, like an
// external renderer process handle.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StartStopService adapts a StartStopper to suture.Service: Start on
// entry, block on the context, Stop with a bounded grace window on exit.
type StartStopService struct {
	component   StartStopper
	stopTimeout time.Duration
	name        string
}

// NewStartStopService wraps a Start/Stop component as a supervised
// service.
func NewStartStopService(name string, component StartStopper, stopTimeout time.Duration) *StartStopService {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &StartStopService{
		component:   component,
		stopTimeout: stopTimeout,
		name:        name,
	}
}

// Serve implements suture.Service.
func (s *StartStopService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start: %w", s.name, err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := s.component.Stop(stopCtx); err != nil {
		return fmt.Errorf("%s stop: %w", s.name, err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (s *StartStopService) String() string {
	return s.name
}
