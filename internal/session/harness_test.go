package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/parla/internal/bus"
	"github.com/basket/parla/internal/config"
	"github.com/basket/parla/internal/persistence"
	"github.com/basket/parla/internal/policy"
	"github.com/basket/parla/internal/scenario"
	"github.com/basket/parla/internal/tools"
	"github.com/basket/parla/internal/upstream"
)

// fakeClient scripts inbound frames and records every write in order.
type fakeClient struct {
	in chan inFrame

	mu     sync.Mutex
	writes []map[string]any
	closed bool
}

type inFrame struct {
	data   []byte
	binary bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan inFrame, 32)}
}

func (c *fakeClient) ReadMessage(ctx context.Context) ([]byte, bool, error) {
	select {
	case fr, ok := <-c.in:
		if !ok {
			return nil, false, io.EOF
		}
		return fr.data, fr.binary, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *fakeClient) WriteJSON(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) sendText(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- inFrame{data: []byte(frame)}:
	case <-time.After(time.Second):
		t.Fatal("timeout queueing client frame")
	}
}

func (c *fakeClient) sendBinary(t *testing.T, data []byte) {
	t.Helper()
	select {
	case c.in <- inFrame{data: data, binary: true}:
	case <-time.After(time.Second):
		t.Fatal("timeout queueing client frame")
	}
}

// writesOfType snapshots every recorded write with the given type tag.
func (c *fakeClient) writesOfType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, w := range c.writes {
		if w["type"] == typ {
			out = append(out, w)
		}
	}
	return out
}

// waitForWrite polls until at least n events of the given type arrive.
func (c *fakeClient) waitForWrite(t *testing.T, typ string, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.writesOfType(typ); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d %q events, writes: %v", n, typ, c.writesOfType(typ))
	return nil
}

// fakeUpstream scripts provider events and records everything the
// relay sends it.
type fakeUpstream struct {
	events chan upstream.Event

	mu     sync.Mutex
	writes []map[string]any
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan upstream.Event, 32)}
}

func (u *fakeUpstream) ReadEvent(ctx context.Context) (upstream.Event, error) {
	select {
	case ev, ok := <-u.events:
		if !ok {
			return upstream.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return upstream.Event{}, ctx.Err()
	}
}

func (u *fakeUpstream) WriteJSON(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errors.New("upstream closed")
	}
	u.writes = append(u.writes, m)
	return nil
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) emit(t *testing.T, ev upstream.Event) {
	t.Helper()
	select {
	case u.events <- ev:
	case <-time.After(time.Second):
		t.Fatal("timeout queueing upstream event")
	}
}

// allWrites snapshots everything sent upstream, in order.
func (u *fakeUpstream) allWrites() []map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]map[string]any, len(u.writes))
	copy(out, u.writes)
	return out
}

// waitForUpstreamWrite polls until at least n writes of the given type
// reach the fake provider.
func waitForUpstreamWrite(t *testing.T, u *fakeUpstream, typ string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(u.writesOfType(typ)) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d upstream %q writes", n, typ)
}

func (u *fakeUpstream) writesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, w := range u.allWrites() {
		if w["type"] == typ {
			out = append(out, w)
		}
	}
	return out
}

type fakeDialer struct {
	conn upstream.Conn
	err  error
}

func (d fakeDialer) Dial(_ context.Context, _ config.UpstreamConfig) (upstream.Conn, error) {
	return d.conn, d.err
}

// captureExecutor records tool invocations and answers with a fixed
// payload.
type captureExecutor struct {
	mu    sync.Mutex
	calls []capturedCall
	reply json.RawMessage
	err   error
}

type capturedCall struct {
	name string
	args map[string]any
}

func (e *captureExecutor) Execute(_ context.Context, name string, args map[string]any, _ tools.SessionContext) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls = append(e.calls, capturedCall{name: name, args: args})
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if e.reply != nil {
		return e.reply, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (e *captureExecutor) captured() []capturedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]capturedCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// harness runs one Manager against fakes plus a real on-disk store.
type harness struct {
	t      *testing.T
	m      *Manager
	client *fakeClient
	up     *fakeUpstream
	store  *persistence.Store
	done   chan struct{}
}

const scenarioFixture = `id: cafe
title: Ordering coffee
language: es
level: beginner
instructions: You are a barista. Speak Spanish.
auto_quiz: true
quiz:
  - prompt: How do you ask for a coffee?
    choices: ["Un cafe, por favor", "La cuenta"]
    answer: 0
`

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	scenarioDir := filepath.Join(dir, "scenarios")
	if err := os.MkdirAll(scenarioDir, 0o755); err != nil {
		t.Fatalf("mkdir scenarios: %v", err)
	}
	if err := os.WriteFile(filepath.Join(scenarioDir, "cafe.yaml"), []byte(scenarioFixture), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := scenario.NewCatalog(scenarioDir, logger)
	if err := catalog.Load(); err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	client := newFakeClient()
	up := newFakeUpstream()
	cfg := Config{
		SessionID:          "sess-test",
		Client:             client,
		Store:              store,
		Catalog:            catalog,
		Executor:           tools.NewRegistry(),
		Dialer:             fakeDialer{conn: up},
		Upstream:           config.UpstreamConfig{Model: "test-realtime", Voice: "alloy"},
		Policy:             policy.New(false),
		Bus:                bus.New(),
		Logger:             logger,
		MaxCallDuration:    time.Minute,
		MaxResponses:       100,
		CheckInterval:      10 * time.Millisecond,
		TranscriptEntries:  50,
		StatsFlushInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := New(cfg)
	h := &harness{t: t, m: m, client: client, up: up, store: store, done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		m.Run(ctx)
		close(h.done)
	}()
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("state = %v, want %v", h.m.State(), want)
}

func (h *harness) waitClosed() {
	h.t.Helper()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		h.t.Fatalf("session did not close, state = %v", h.m.State())
	}
}

func (h *harness) endReason() string {
	h.t.Helper()
	rec, err := h.store.GetSession(context.Background(), "sess-test")
	if err != nil {
		h.t.Fatalf("get session: %v", err)
	}
	return rec.EndReason
}
