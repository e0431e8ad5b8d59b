// Package session implements the per-call actor that owns a client
// websocket and its paired upstream realtime connection. All state
// transitions, socket writes, and persistence for one call happen on
// the actor goroutine; the two socket readers only feed channels.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/parla/internal/audit"
	"github.com/basket/parla/internal/bus"
	"github.com/basket/parla/internal/config"
	"github.com/basket/parla/internal/otel"
	"github.com/basket/parla/internal/persistence"
	"github.com/basket/parla/internal/policy"
	"github.com/basket/parla/internal/scenario"
	"github.com/basket/parla/internal/shared"
	"github.com/basket/parla/internal/tools"
	"github.com/basket/parla/internal/upstream"
)

// State tracks where a call is in its lifecycle. Transitions only
// move forward.
type State int32

const (
	StateIdle State = iota
	StateAwaitingUpstream
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUpstream:
		return "awaiting_upstream"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ClientConn is the browser side of the relay as the actor sees it.
// The gateway adapts the accepted websocket to this.
type ClientConn interface {
	// ReadMessage blocks for the next frame. binary reports a
	// non-text frame, which the actor rejects without closing.
	ReadMessage(ctx context.Context) (data []byte, binary bool, err error)
	WriteJSON(ctx context.Context, v any) error
	Close() error
}

// Config carries everything a Manager needs. Metrics and Tracer may
// be nil when telemetry is disabled.
type Config struct {
	SessionID string
	Client    ClientConn
	Store     *persistence.Store
	Catalog   *scenario.Catalog
	Executor  tools.Executor
	Dialer    upstream.Dialer
	Upstream  config.UpstreamConfig
	Policy    policy.Checker
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer

	MaxCallDuration    time.Duration
	MaxResponses       int64
	CheckInterval      time.Duration
	TranscriptEntries  int
	StatsFlushInterval time.Duration
	ToolTimeout        time.Duration
}

// clientFrame is one frame off the client socket, or a read error.
type clientFrame struct {
	data   []byte
	binary bool
	err    error
}

// dialResult is delivered once when the background upstream dial
// settles.
type dialResult struct {
	conn upstream.Conn
	err  error
}

// upstreamFrame is one parsed upstream event, or a read error.
type upstreamFrame struct {
	ev  upstream.Event
	err error
}

// Manager is the session actor. Run owns all mutable fields; nothing
// outside the actor goroutine touches them after Run starts.
type Manager struct {
	cfg Config
	log *slog.Logger

	state     atomic.Int32
	startedAt time.Time

	scenarioID string
	scen       *scenario.Scenario
	helloSeen  bool
	degraded   bool

	up        upstream.Conn
	upCtx     context.Context
	upCancel  context.CancelFunc
	handshook bool

	stats      persistence.Stats
	statsDirty bool
	transcript []persistence.TranscriptEntry
	endReason  string

	// Streaming assembly state.
	textBuf   []byte
	toolCalls map[string]*toolCallBuffer
	inflight  map[string]bool

	clientCh chan clientFrame
	dialCh   chan dialResult
	upCh     chan upstreamFrame
}

// New builds a Manager in StateIdle. Call Run to start the call.
func New(cfg Config) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.StatsFlushInterval <= 0 {
		cfg.StatsFlushInterval = 15 * time.Second
	}
	if cfg.TranscriptEntries <= 0 {
		cfg.TranscriptEntries = 50
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		log:       log.With("session_id", cfg.SessionID),
		toolCalls: make(map[string]*toolCallBuffer),
		inflight:  make(map[string]bool),
		clientCh:  make(chan clientFrame, 32),
		dialCh:    make(chan dialResult, 1),
		upCh:      make(chan upstreamFrame, 64),
	}
	m.state.Store(int32(StateIdle))
	return m
}

// State reports the current lifecycle state. Safe from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.log.Debug("session state", "from", prev.String(), "to", s.String())
	}
}

// Run drives the call until it reaches StateClosed. It blocks; the
// gateway calls it from the websocket handler goroutine.
func (m *Manager) Run(ctx context.Context) {
	ctx = shared.WithSessionID(ctx, m.cfg.SessionID)
	m.log = m.log.With("trace_id", shared.TraceID(ctx))
	m.startedAt = time.Now()

	if err := m.cfg.Store.CreateSession(ctx, m.cfg.SessionID, m.scenarioID); err != nil {
		m.log.Error("create session record", "error", err)
		m.writeError(ctx, "internal", "session could not be recorded")
		m.cfg.Client.Close()
		m.setState(StateClosed)
		return
	}
	m.cfg.Bus.Publish(bus.TopicSessionStarted, bus.SessionStartedEvent{
		SessionID: m.cfg.SessionID,
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer m.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	}

	m.setState(StateAwaitingUpstream)
	go m.readClient(ctx)
	go m.dialUpstream(ctx)

	checkTick := time.NewTicker(m.cfg.CheckInterval)
	defer checkTick.Stop()
	flushTick := time.NewTicker(m.cfg.StatsFlushInterval)
	defer flushTick.Stop()

	for m.State() != StateClosed {
		select {
		case <-ctx.Done():
			m.terminate(context.Background(), persistence.ReasonSocketClosed)
		case fr := <-m.clientCh:
			if fr.err != nil {
				m.terminate(ctx, persistence.ReasonSocketClosed)
				continue
			}
			m.handleClientFrame(ctx, fr)
		case res := <-m.dialCh:
			m.handleDialResult(ctx, res)
		case fr := <-m.upCh:
			if fr.err != nil {
				m.handleUpstreamLost(ctx, fr.err)
				continue
			}
			m.handleUpstreamEvent(ctx, fr.ev)
		case <-checkTick.C:
			m.checkDuration(ctx)
		case <-flushTick.C:
			m.flushStats(ctx)
		}
	}
}

// readClient is the sole reader of the client socket. It never
// interprets frames; the actor loop does.
func (m *Manager) readClient(ctx context.Context) {
	for {
		data, binary, err := m.cfg.Client.ReadMessage(ctx)
		select {
		case m.clientCh <- clientFrame{data: data, binary: binary, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// dialUpstream connects in the background so the client socket is
// accepted without waiting on the provider.
func (m *Manager) dialUpstream(ctx context.Context) {
	dialCtx, span := otel.StartClientSpan(ctx, m.cfg.Tracer, "upstream.dial",
		otel.AttrModel.String(m.cfg.Upstream.Model))
	conn, err := m.cfg.Dialer.Dial(dialCtx, m.cfg.Upstream)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	select {
	case m.dialCh <- dialResult{conn: conn, err: err}:
	case <-ctx.Done():
		if conn != nil {
			conn.Close()
		}
	}
}

// readUpstream is the sole reader of the upstream socket.
func (m *Manager) readUpstream(ctx context.Context, conn upstream.Conn) {
	for {
		ev, err := conn.ReadEvent(ctx)
		select {
		case m.upCh <- upstreamFrame{ev: ev, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) handleDialResult(ctx context.Context, res dialResult) {
	if m.State() >= StateTerminating {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	if res.err != nil {
		m.log.Warn("upstream dial failed, session degraded", "error", res.err)
		m.degraded = true
		m.setState(StateActive)
		m.sendReady(ctx)
		return
	}
	m.up = res.conn
	m.upCtx, m.upCancel = context.WithCancel(ctx)
	go m.readUpstream(m.upCtx, m.up)
	m.sendHandshake(ctx)
	m.setState(StateActive)
	m.sendReady(ctx)
}

// sendHandshake configures the upstream session: instructions, voice,
// audio formats, and the tool declarations the scenario allows.
func (m *Manager) sendHandshake(ctx context.Context) {
	if m.up == nil {
		return
	}
	var defs []tools.Definition
	if reg, ok := m.cfg.Executor.(*tools.Registry); ok {
		defs = reg.Definitions(m.scen)
	}
	update := upstream.SessionUpdate(m.scen, m.cfg.Upstream, defs)
	if err := m.up.WriteJSON(ctx, update); err != nil {
		m.log.Error("upstream handshake", "error", err)
		return
	}
	m.handshook = true
}

func (m *Manager) sendReady(ctx context.Context) {
	m.send(ctx, map[string]any{
		"type":        ServerHello,
		"session_id":  m.cfg.SessionID,
		"scenario_id": m.scenarioID,
		"degraded":    m.degraded,
	})
	m.cfg.Bus.Publish(bus.TopicSessionReady, bus.SessionReadyEvent{
		SessionID: m.cfg.SessionID,
		Degraded:  m.degraded,
	})
}

// handleUpstreamLost ends the call when the provider drops us while a
// call is live. During teardown it is expected and ignored.
func (m *Manager) handleUpstreamLost(ctx context.Context, err error) {
	if m.State() >= StateTerminating {
		return
	}
	m.log.Warn("upstream connection lost", "error", err)
	m.writeError(ctx, "upstream_lost", "realtime provider connection lost")
	m.terminate(ctx, persistence.ReasonUpstreamError)
}

// send writes one event to the client. Only the actor goroutine calls
// it, so frame order matches dispatch order.
func (m *Manager) send(ctx context.Context, v any) {
	if err := m.cfg.Client.WriteJSON(ctx, v); err != nil {
		m.log.Debug("client write failed", "error", err)
	}
}

func (m *Manager) writeError(ctx context.Context, code, message string) {
	m.send(ctx, map[string]any{
		"type":    ServerError,
		"code":    code,
		"message": message,
	})
}

// sendUpstream forwards one message to the provider after the policy
// gate. Returns false when the upstream is unavailable.
func (m *Manager) sendUpstream(ctx context.Context, msgType string, v any) bool {
	if !m.cfg.Policy.AllowUpstreamSend(msgType) {
		m.log.Warn("policy blocked upstream send", "msg_type", msgType)
		return false
	}
	if m.up == nil {
		return false
	}
	if err := m.up.WriteJSON(ctx, v); err != nil {
		m.log.Warn("upstream write failed", "msg_type", msgType, "error", err)
		return false
	}
	return true
}

// noteResponseCreated bumps the response counter and trips the
// guardrail once the configured limit is exceeded. Both directions of
// response creation land here.
func (m *Manager) noteResponseCreated(ctx context.Context) {
	m.stats.ResponsesCreated++
	m.statsDirty = true
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ResponsesCreated.Add(ctx, 1)
	}
	if m.cfg.MaxResponses > 0 && m.stats.ResponsesCreated > m.cfg.MaxResponses {
		m.tripGuardrail(ctx, persistence.ReasonResponseLimit,
			fmt.Sprintf("response limit of %d exceeded", m.cfg.MaxResponses))
	}
}

func (m *Manager) checkDuration(ctx context.Context) {
	if m.State() >= StateTerminating {
		return
	}
	if m.cfg.MaxCallDuration > 0 && time.Since(m.startedAt) > m.cfg.MaxCallDuration {
		m.tripGuardrail(ctx, persistence.ReasonTimeLimit,
			fmt.Sprintf("call exceeded %s", m.cfg.MaxCallDuration))
	}
}

func (m *Manager) tripGuardrail(ctx context.Context, reason, message string) {
	if m.State() >= StateTerminating {
		return
	}
	m.log.Info("guardrail tripped", "reason", reason)
	audit.Record("deny", "guardrail", message, m.cfg.SessionID)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.GuardrailTrips.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
	m.writeError(ctx, reason, message)
	m.terminate(ctx, reason)
}

func (m *Manager) flushStats(ctx context.Context) {
	if !m.statsDirty {
		return
	}
	if err := m.cfg.Store.UpdateStats(ctx, m.cfg.SessionID, m.stats); err != nil {
		m.log.Warn("flush session stats", "error", err)
		return
	}
	m.statsDirty = false
}

// appendTranscript records one utterance both in memory, for tool
// context, and durably. The in-memory window is bounded the same way
// the store trims.
func (m *Manager) appendTranscript(ctx context.Context, role, text string) {
	if text == "" {
		return
	}
	entry := persistence.TranscriptEntry{Role: role, Text: text, At: time.Now()}
	m.transcript = append(m.transcript, entry)
	if len(m.transcript) > m.cfg.TranscriptEntries {
		m.transcript = m.transcript[len(m.transcript)-m.cfg.TranscriptEntries:]
	}
	if err := m.cfg.Store.AppendTranscript(ctx, m.cfg.SessionID, role, text, m.cfg.TranscriptEntries); err != nil {
		m.log.Warn("append transcript", "error", err)
	}
}

// terminate tears the call down exactly once. Later calls with a
// different reason are no-ops; the first reason wins, matching the
// store's idempotent finish semantics.
func (m *Manager) terminate(ctx context.Context, reason string) {
	if m.State() >= StateTerminating {
		return
	}
	m.setState(StateTerminating)
	m.endReason = reason

	m.send(ctx, map[string]any{
		"type":       ServerCallEnded,
		"session_id": m.cfg.SessionID,
		"reason":     reason,
	})
	m.closeSockets()
	m.persistEnd(ctx, reason)
	m.setState(StateClosed)
}

func (m *Manager) closeSockets() {
	if m.upCancel != nil {
		m.upCancel()
	}
	if m.up != nil {
		m.up.Close()
		m.up = nil
	}
	m.cfg.Client.Close()
}

func (m *Manager) persistEnd(ctx context.Context, reason string) {
	ctx, span := otel.StartSpan(ctx, m.cfg.Tracer, "session.end",
		otel.AttrReason.String(reason))
	defer span.End()
	if err := m.cfg.Store.FinishSession(ctx, m.cfg.SessionID, reason, m.stats); err != nil {
		m.log.Error("finish session record", "error", err)
	}
	m.statsDirty = false
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionDuration.Record(ctx, time.Since(m.startedAt).Seconds(),
			metric.WithAttributes(attribute.String("reason", reason)))
	}
	m.cfg.Bus.Publish(bus.TopicSessionEnded, bus.SessionEndedEvent{
		SessionID: m.cfg.SessionID,
		Reason:    reason,
	})
	m.log.Info("session ended",
		"reason", reason,
		"duration", time.Since(m.startedAt).Round(time.Millisecond).String(),
		"responses", m.stats.ResponsesCreated,
		"tool_calls", m.stats.ToolCalls)
}
