// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package player

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/kioskd/internal/logging"
)

// Directive ops sent to the compositor.
const (
	opRender      = "render"
	opFallback    = "fallback"
	opTestPattern = "test-pattern"
	opScreenshot  = "screenshot"
)

// rendererCallTimeout bounds one request/response round trip.
const rendererCallTimeout = 10 * time.Second

// directive is one newline-delimited JSON frame toward the compositor.
type directive struct {
	Op string `json:"op"`

	// Render fields.
	MediaID   string `json:"media_id,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Path      string `json:"path,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Fit       string `json:"fit,omitempty"`
	Muted     bool   `json:"muted,omitempty"`

	// Fallback fields.
	Reason string `json:"reason,omitempty"`
}

// directiveReply is the compositor's answer to one directive.
type directiveReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Data carries the PNG for screenshot replies (base64 over the wire).
	Data []byte `json:"data,omitempty"`
}

// SocketRenderer drives an external compositor over its unix control
// socket with newline-delimited JSON, one directive per line, one reply
// per directive. The connection is re-dialed per failure; the controller's
// render backoff owns the pacing.
type SocketRenderer struct {
	socket string

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// NewSocketRenderer creates a renderer talking to the compositor socket.
// No connection is made until the first directive.
func NewSocketRenderer(socket string) *SocketRenderer {
	return &SocketRenderer{socket: socket}
}

// Render implements Renderer.
func (r *SocketRenderer) Render(ctx context.Context, item RenderItem) error {
	_, err := r.call(ctx, directive{
		Op:        opRender,
		MediaID:   item.Item.MediaID,
		MediaType: item.Item.MediaType,
		Path:      item.LocalPath,
		SourceURL: item.Item.SourceURL,
		Fit:       item.Item.FitMode,
		Muted:     item.Item.Muted,
	})
	return err
}

// ShowFallback implements Renderer.
func (r *SocketRenderer) ShowFallback(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), rendererCallTimeout)
	defer cancel()
	_, err := r.call(ctx, directive{Op: opFallback, Reason: reason})
	return err
}

// ShowTestPattern implements Renderer.
func (r *SocketRenderer) ShowTestPattern(ctx context.Context) error {
	_, err := r.call(ctx, directive{Op: opTestPattern})
	return err
}

// Screenshot implements Renderer.
func (r *SocketRenderer) Screenshot(ctx context.Context) ([]byte, error) {
	reply, err := r.call(ctx, directive{Op: opScreenshot})
	if err != nil {
		return nil, err
	}
	if len(reply.Data) == 0 {
		return nil, fmt.Errorf("player: compositor returned empty frame")
	}
	return reply.Data, nil
}

// call sends one directive and reads its reply, serializing access to
// the connection. Any transport failure drops the connection so the next
// call re-dials.
func (r *SocketRenderer) call(ctx context.Context, d directive) (*directiveReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureConnLocked(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(rendererCallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.conn.SetDeadline(deadline)

	frame, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("player: encode directive: %w", err)
	}
	frame = append(frame, '\n')
	if _, err := r.conn.Write(frame); err != nil {
		r.dropLocked()
		return nil, fmt.Errorf("player: write to compositor: %w", err)
	}

	line, err := r.rd.ReadBytes('\n')
	if err != nil {
		r.dropLocked()
		return nil, fmt.Errorf("player: read compositor reply: %w", err)
	}
	var reply directiveReply
	if err := json.Unmarshal(line, &reply); err != nil {
		r.dropLocked()
		return nil, fmt.Errorf("player: malformed compositor reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("player: compositor refused %s: %s", d.Op, reply.Error)
	}
	return &reply, nil
}

func (r *SocketRenderer) ensureConnLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", r.socket)
	if err != nil {
		return fmt.Errorf("player: dial compositor %s: %w", r.socket, err)
	}
	r.conn = conn
	r.rd = bufio.NewReader(conn)
	return nil
}

func (r *SocketRenderer) dropLocked() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
		r.rd = nil
	}
}

// Close releases the compositor connection.
func (r *SocketRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked()
	return nil
}

// LogRenderer records presentation directives without a display, for
// headless deployments and bring-up before a compositor exists.
type LogRenderer struct{}

// Render implements Renderer.
func (LogRenderer) Render(_ context.Context, item RenderItem) error {
	logging.Info().
		Str("media_id", item.Item.MediaID).
		Str("media_type", item.Item.MediaType).
		Str("path", item.LocalPath).
		Msg("render")
	return nil
}

// ShowFallback implements Renderer.
func (LogRenderer) ShowFallback(reason string) error {
	logging.Info().Str("reason", reason).Msg("fallback slide")
	return nil
}

// ShowTestPattern implements Renderer.
func (LogRenderer) ShowTestPattern(context.Context) error {
	logging.Info().Msg("test pattern")
	return nil
}

// Screenshot implements Renderer. There is no display to capture.
func (LogRenderer) Screenshot(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("player: no rendering surface attached")
}
