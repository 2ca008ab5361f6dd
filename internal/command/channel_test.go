// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package command

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/kioskd/internal/spool"
)

type mockAPI struct {
	mu       sync.Mutex
	commands []Command
	getErr   error
	grantURL string
	uploaded []byte
}

func (m *mockAPI) GetJSON(_ context.Context, path string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return m.getErr
	}
	data, err := json.Marshal(m.commands)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (m *mockAPI) PostJSON(_ context.Context, path string, body, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Contains(path, "screenshot-url") {
		data, _ := json.Marshal(map[string]string{"upload_url": m.grantURL})
		return json.Unmarshal(data, out)
	}
	return nil
}

func (m *mockAPI) Upload(_ context.Context, rawURL, contentType string, body io.Reader, length int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.uploaded = data
	m.mu.Unlock()
	return nil
}

type mockSpool struct {
	mu   sync.Mutex
	acks []Result
}

func (s *mockSpool) Enqueue(kind string, payload any) error {
	if kind != spool.KindCommandAck {
		return spool.ErrUnknownKind
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	s.mu.Lock()
	s.acks = append(s.acks, res)
	s.mu.Unlock()
	return nil
}

func (s *mockSpool) all() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.acks...)
}

type mockPlayer struct {
	mu       sync.Mutex
	patterns int
	frame    []byte
	err      error
}

func (p *mockPlayer) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.err
}

func (p *mockPlayer) ShowTestPattern(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns++
	return p.err
}

type mockCache struct {
	mu     sync.Mutex
	clears []bool
}

func (c *mockCache) Clear(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears = append(c.clears, force)
	return nil
}

// blockingCache parks Clear until released, simulating a slow handler.
type blockingCache struct {
	started sync.Once
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	clears int
}

func (c *blockingCache) Clear(bool) error {
	c.mu.Lock()
	c.clears++
	c.mu.Unlock()
	c.started.Do(func() { close(c.entered) })
	<-c.release
	return nil
}

type mockRefresher struct {
	mu    sync.Mutex
	kicks int
}

func (r *mockRefresher) Kick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kicks++
}

func newTestChannel(t *testing.T, mutate func(*Options)) (*Channel, *mockSpool, *mockAPI) {
	t.Helper()
	api := &mockAPI{}
	sp := &mockSpool{}
	opts := Options{
		API:        api,
		Spool:      sp,
		DeviceID:   "dev-1",
		Player:     &mockPlayer{frame: []byte("png-bytes")},
		Cache:      &mockCache{},
		Refresher:  &mockRefresher{},
		Reboot:     func() {},
		RateWindow: time.Minute,
		Version:    "1.2.3",
	}
	if mutate != nil {
		mutate(&opts)
	}
	ch, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return ch, sp, api
}

func TestPingAcksWithVersionAndUptime(t *testing.T) {
	ch, sp, _ := newTestChannel(t, nil)

	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindPing})

	acks := sp.all()
	if len(acks) != 1 || acks[0].Status != StatusOK {
		t.Fatalf("acks = %+v", acks)
	}
	if !strings.Contains(acks[0].Detail, "version=1.2.3") || !strings.Contains(acks[0].Detail, "uptime=") {
		t.Errorf("ping detail = %q", acks[0].Detail)
	}
}

func TestRedeliveryReplaysPriorResultWithoutReexecution(t *testing.T) {
	cache := &mockCache{}
	ch, sp, _ := newTestChannel(t, func(o *Options) { o.Cache = cache })

	cmd := Command{ID: "c1", Kind: KindClearCache}
	ch.Execute(context.Background(), cmd)
	ch.Execute(context.Background(), cmd)

	cache.mu.Lock()
	clears := len(cache.clears)
	cache.mu.Unlock()
	if clears != 1 {
		t.Errorf("clear executed %d times, command id must act once", clears)
	}

	acks := sp.all()
	if len(acks) != 2 {
		t.Fatalf("acks = %+v, want the prior result re-sent", acks)
	}
	if acks[0].Status != StatusOK || acks[1].Status != StatusOK || acks[0].At != acks[1].At {
		t.Errorf("replayed ack differs from original: %+v vs %+v", acks[0], acks[1])
	}
}

func TestRedeliveryDuringExecutionDropped(t *testing.T) {
	cache := &blockingCache{entered: make(chan struct{}), release: make(chan struct{})}
	ch, sp, _ := newTestChannel(t, func(o *Options) { o.Cache = cache })

	cmd := Command{ID: "c1", Kind: KindClearCache}
	done := make(chan struct{})
	go func() {
		ch.Execute(context.Background(), cmd)
		close(done)
	}()
	<-cache.entered

	// Redelivery while the first execution is still running must neither
	// execute again nor answer with a premature result.
	ch.Execute(context.Background(), cmd)
	if acks := sp.all(); len(acks) != 0 {
		t.Fatalf("in-flight redelivery acked: %+v", acks)
	}

	close(cache.release)
	<-done
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusOK {
		t.Fatalf("acks = %+v", acks)
	}

	// Once the execution finished, redelivery replays the real result.
	ch.Execute(context.Background(), cmd)
	acks := sp.all()
	if len(acks) != 2 || acks[0].At != acks[1].At {
		t.Fatalf("acks = %+v, want the finished result re-sent", acks)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.clears != 1 {
		t.Errorf("clear executed %d times", cache.clears)
	}
}

func TestRateLimitAcksExplicitly(t *testing.T) {
	ref := &mockRefresher{}
	ch, sp, _ := newTestChannel(t, func(o *Options) { o.Refresher = ref })

	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindRefresh})
	ch.Execute(context.Background(), Command{ID: "c2", Kind: KindRefresh})

	ref.mu.Lock()
	kicks := ref.kicks
	ref.mu.Unlock()
	if kicks != 1 {
		t.Errorf("refresher kicked %d times within the window", kicks)
	}

	acks := sp.all()
	if len(acks) != 2 || acks[1].Status != StatusRateLimited {
		t.Fatalf("acks = %+v, want second rate-limited", acks)
	}
}

func TestRateLimitIsPerKind(t *testing.T) {
	ch, sp, _ := newTestChannel(t, nil)

	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindRefresh})
	ch.Execute(context.Background(), Command{ID: "c2", Kind: KindPing})

	for _, ack := range sp.all() {
		if ack.Status != StatusOK {
			t.Errorf("ack %s = %s, kinds must not share a limiter", ack.CommandID, ack.Status)
		}
	}
}

func TestShipLogsKicksShipper(t *testing.T) {
	ship := &mockRefresher{}
	ch, sp, _ := newTestChannel(t, func(o *Options) { o.LogShipper = ship })

	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindShipLogs})

	ship.mu.Lock()
	kicks := ship.kicks
	ship.mu.Unlock()
	if kicks != 1 {
		t.Errorf("shipper kicked %d times", kicks)
	}
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusOK {
		t.Errorf("acks = %+v", acks)
	}
}

func TestShipLogsWithoutShipperAcksError(t *testing.T) {
	ch, sp, _ := newTestChannel(t, nil)
	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindShipLogs})
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusError {
		t.Errorf("acks = %+v", acks)
	}
}

func TestExpiredCommandNotExecuted(t *testing.T) {
	cache := &mockCache{}
	ch, sp, _ := newTestChannel(t, func(o *Options) { o.Cache = cache })

	ch.Execute(context.Background(), Command{
		ID: "c1", Kind: KindClearCache,
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.clears) != 0 {
		t.Error("expired command executed")
	}
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusExpired {
		t.Errorf("acks = %+v", acks)
	}
}

func TestUnknownKindAcked(t *testing.T) {
	ch, sp, _ := newTestChannel(t, nil)
	ch.Execute(context.Background(), Command{ID: "c1", Kind: "self-destruct"})
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusUnknown {
		t.Errorf("acks = %+v", acks)
	}
}

func TestScreenshotUploadsViaIndirectURL(t *testing.T) {
	ch, sp, api := newTestChannel(t, nil)
	api.grantURL = "https://storage.example.com/presigned/abc"

	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindScreenshot})

	api.mu.Lock()
	uploaded := string(api.uploaded)
	api.mu.Unlock()
	if uploaded != "png-bytes" {
		t.Errorf("uploaded = %q", uploaded)
	}
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusOK {
		t.Errorf("acks = %+v", acks)
	}
}

func TestScreenshotWithoutGrantFails(t *testing.T) {
	ch, sp, _ := newTestChannel(t, nil)
	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindScreenshot})
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusError {
		t.Errorf("acks = %+v", acks)
	}
}

func TestScreenshotCaptureFailureAcked(t *testing.T) {
	ch, sp, _ := newTestChannel(t, func(o *Options) {
		o.Player = &mockPlayer{err: errors.New("no frame")}
	})
	ch.Execute(context.Background(), Command{ID: "c1", Kind: KindScreenshot})
	if acks := sp.all(); len(acks) != 1 || acks[0].Status != StatusError {
		t.Errorf("acks = %+v", acks)
	}
}

func TestPollExecutesPendingCommands(t *testing.T) {
	ch, sp, api := newTestChannel(t, nil)
	api.mu.Lock()
	api.commands = []Command{
		{ID: "c1", Kind: KindPing},
		{ID: "c2", Kind: KindRefresh},
	}
	api.mu.Unlock()

	ch.poll(context.Background())

	if acks := sp.all(); len(acks) != 2 {
		t.Errorf("acks = %+v", acks)
	}
}

func TestMalformedCommandDropped(t *testing.T) {
	ch, sp, _ := newTestChannel(t, nil)
	ch.Execute(context.Background(), Command{Kind: KindPing})
	ch.Execute(context.Background(), Command{ID: "c1"})
	if acks := sp.all(); len(acks) != 0 {
		t.Errorf("malformed commands acked: %+v", acks)
	}
}
