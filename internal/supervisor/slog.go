// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package supervisor

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/tomtom215/kioskd/internal/logging"
)

// NewEventLogger returns the slog logger handed to sutureslog, backed by
// the agent's zerolog output so supervision events land in the same
// stream as everything else.
func NewEventLogger() *slog.Logger {
	return slog.New(&zerologHandler{})
}

// zerologHandler forwards slog records to the global zerolog logger.
// sutureslog emits flat records, so group support is minimal.
type zerologHandler struct {
	attrs []slog.Attr
	group string
}

func (h *zerologHandler) Enabled(_ context.Context, level slog.Level) bool {
	return zerolog.GlobalLevel() <= slogToZerolog(level)
}

func (h *zerologHandler) Handle(_ context.Context, rec slog.Record) error {
	l := logging.Logger()
	ev := l.WithLevel(slogToZerolog(rec.Level))
	for _, attr := range h.attrs {
		ev = ev.Interface(h.key(attr.Key), attr.Value.Any())
	}
	rec.Attrs(func(attr slog.Attr) bool {
		ev = ev.Interface(h.key(attr.Key), attr.Value.Any())
		return true
	})
	ev.Msg(rec.Message)
	return nil
}

func (h *zerologHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, attr := range attrs {
		merged = append(merged, slog.Attr{Key: h.key(attr.Key), Value: attr.Value})
	}
	return &zerologHandler{attrs: merged, group: h.group}
}

func (h *zerologHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	prefix := name
	if h.group != "" {
		prefix = h.group + "." + name
	}
	return &zerologHandler{attrs: h.attrs, group: prefix}
}

func (h *zerologHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func slogToZerolog(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
