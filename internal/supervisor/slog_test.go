// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package supervisor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tomtom215/kioskd/internal/logging"
)

func TestEventLoggerLandsInZerologStream(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Logger()
	logging.SetLogger(logging.NewTestLogger(&buf))
	defer logging.SetLogger(prev)

	logger := NewEventLogger()
	logger.Info("service started", "supervisor", "network-layer", "service", "duplex-channel")

	out := buf.String()
	for _, want := range []string{"service started", "network-layer", "duplex-channel"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestEventLoggerGroupsPrefixKeys(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Logger()
	logging.SetLogger(logging.NewTestLogger(&buf))
	defer logging.SetLogger(prev)

	logger := NewEventLogger().WithGroup("suture").With("layer", "data")
	logger.Warn("service backoff")

	out := buf.String()
	if !strings.Contains(out, "suture.layer") || !strings.Contains(out, "service backoff") {
		t.Errorf("log output = %s", out)
	}
}
