// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/kioskd/internal/logging"
	"github.com/tomtom215/kioskd/internal/metrics"
)

// Message kinds on the duplex channel.
const (
	MsgScheduleUpdate = "schedule_update"
	MsgEmergency      = "emergency"
	MsgCommand        = "command"
	MsgPing           = "ping"
	MsgPong           = "pong"
)

// Message is one duplex channel frame.
type Message struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	duplexWriteWait      = 10 * time.Second
	duplexPongWait       = 60 * time.Second
	duplexPingPeriod     = (duplexPongWait * 9) / 10
	duplexHandshakeWait  = 10 * time.Second
	duplexMaxMessageSize = 512 * 1024 // 512 KB
	duplexSendBuffer     = 64
)

// Duplex maintains the persistent control channel. It reconnects with
// bounded backoff, sends liveness pings at a fixed cadence, and forces a
// reconnect when a pong misses its deadline. Messages queued while the
// channel is down are delivered in order on reconnect, best-effort;
// durability for side-effects lives in the spool.
type Duplex struct {
	url     string
	dialer  *websocket.Dialer
	backoff Backoff

	inbound chan Message

	mu      sync.Mutex
	pending []Message

	connected bool
	connMu    sync.RWMutex
}

// NewDuplex creates the duplex channel toward url using the given TLS setup.
func NewDuplex(url string, tlsCfg *tls.Config) *Duplex {
	return &Duplex{
		url: url,
		dialer: &websocket.Dialer{
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: duplexHandshakeWait,
		},
		backoff: DefaultBackoff(),
		inbound: make(chan Message, duplexSendBuffer),
	}
}

// Inbound returns the channel of received messages. Liveness frames are
// handled internally and never appear here.
func (d *Duplex) Inbound() <-chan Message {
	return d.inbound
}

// Connected reports whether a session is currently established.
func (d *Duplex) Connected() bool {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	return d.connected
}

// Send queues a message for delivery. When the channel is down the message
// waits for reconnect; the queue is bounded and drops the oldest on overflow.
func (d *Duplex) Send(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) >= duplexSendBuffer {
		d.pending = d.pending[1:]
	}
	d.pending = append(d.pending, msg)
}

// Serve implements suture.Service: it dials, runs one session, and on any
// session failure backs off and redials until the context is canceled.
func (d *Duplex) Serve(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
		if err != nil {
			logging.Warn().Err(err).Int("attempt", attempt).Msg("duplex dial failed")
			if !sleepCtx(ctx, d.backoff.Delay(attempt)) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		attempt = 0
		d.setConnected(true)
		err = d.session(ctx, conn)
		d.setConnected(false)
		metrics.DuplexReconnects.Inc()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn().Err(err).Msg("duplex session ended, reconnecting")
		if !sleepCtx(ctx, d.backoff.Delay(attempt)) {
			return ctx.Err()
		}
		attempt++
	}
}

// String implements fmt.Stringer for supervisor logs.
func (d *Duplex) String() string { return "duplex-channel" }

func (d *Duplex) setConnected(v bool) {
	d.connMu.Lock()
	d.connected = v
	d.connMu.Unlock()
}

// session runs one established connection until an error or cancellation.
func (d *Duplex) session(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	conn.SetReadLimit(duplexMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(duplexPongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(duplexPongWait))
	})

	errCh := make(chan error, 2)
	writeCh := make(chan Message, duplexSendBuffer)

	// Flush messages queued while the channel was down, in order.
	d.mu.Lock()
	queued := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, m := range queued {
		writeCh <- m
	}

	go d.readPump(conn, errCh)
	go d.writePump(conn, writeCh, errCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(duplexWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			// Move newly queued messages onto the session writer.
			d.mu.Lock()
			pending := d.pending
			d.pending = nil
			d.mu.Unlock()
			for _, m := range pending {
				select {
				case writeCh <- m:
				default:
					// Session writer is saturated; requeue for later.
					d.Send(m)
				}
			}
		}
	}
}

// readPump pumps inbound frames, answering app-level pings itself.
func (d *Duplex) readPump(conn *websocket.Conn, errCh chan<- error) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Msg("duplex unexpected close")
			}
			errCh <- err
			return
		}

		switch msg.Kind {
		case MsgPing:
			d.Send(Message{Kind: MsgPong})
		case MsgPong:
			// liveness only
		default:
			select {
			case d.inbound <- msg:
			default:
				logging.Warn().Str("kind", msg.Kind).Msg("duplex inbound buffer full, dropping message")
			}
		}
	}
}

// writePump writes outbound frames and protocol pings on a fixed cadence.
func (d *Duplex) writePump(conn *websocket.Conn, writeCh <-chan Message, errCh chan<- error) {
	ticker := time.NewTicker(duplexPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-writeCh:
			if err := conn.SetWriteDeadline(time.Now().Add(duplexWriteWait)); err != nil {
				errCh <- err
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				errCh <- err
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(duplexWriteWait)); err != nil {
				errCh <- err
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- err
				return
			}
		}
	}
}
