package session

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/parla/internal/audit"
	"github.com/basket/parla/internal/shared"
	"github.com/basket/parla/internal/upstream"
)

// handleClientFrame decodes and dispatches one client frame. Every
// path either forwards through the policy gate or answers the client
// directly; a bad frame gets an error event and the socket stays open.
func (m *Manager) handleClientFrame(ctx context.Context, fr clientFrame) {
	if m.State() >= StateTerminating {
		return
	}
	if fr.binary {
		m.rejectClient(ctx, "binary_frame", "binary frames are not accepted")
		return
	}
	msg, err := parseClientMessage(fr.data)
	if err != nil {
		m.rejectClient(ctx, "bad_message", err.Error())
		return
	}

	switch msg.Type {
	case ClientHello:
		m.handleHello(ctx, msg)
	case ClientPing:
		m.send(ctx, map[string]any{"type": ServerPong})
	case ClientEcho:
		m.send(ctx, map[string]any{"type": ServerEcho, "payload": msg.echoPayload()})
	case ClientText:
		m.handleText(ctx, msg)
	case ClientAudioAppend:
		m.handleAudioAppend(ctx, msg)
	case ClientAudioCommit:
		m.forwardOrReject(ctx, upstream.TypeAudioCommit, upstream.AudioCommit())
	case ClientResponseCreate:
		if m.forwardOrReject(ctx, upstream.TypeResponseCreate, upstream.ResponseCreate()) {
			m.noteResponseCreated(ctx)
		}
	case ClientResponseCancel:
		m.forwardOrReject(ctx, upstream.TypeResponseCancel, upstream.ResponseCancel())
	case ClientTruncate:
		if msg.ItemID == "" {
			m.rejectClient(ctx, "missing_item", "truncate requires item_id")
			return
		}
		m.forwardOrReject(ctx, upstream.TypeItemTruncate,
			upstream.ItemTruncate(msg.ItemID, msg.ContentIndex, msg.AudioEndMs))
	case ClientEndCall:
		m.finalize(ctx)
	default:
		audit.Record("deny", "client_message", "type not in allow-list: "+msg.Type, m.cfg.SessionID)
		m.rejectClient(ctx, "unknown_type", "unsupported message type: "+msg.Type)
	}
}

// rejectClient answers a bad or disallowed frame. The connection is
// left open and nothing reaches the upstream.
func (m *Manager) rejectClient(ctx context.Context, code, message string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ClientRejects.Add(ctx, 1,
			metric.WithAttributes(attribute.String("code", code)))
	}
	m.writeError(ctx, code, message)
}

// handleHello binds the scenario. Only the first hello mutates the
// session; repeats are acknowledged without effect.
func (m *Manager) handleHello(ctx context.Context, msg *clientMessage) {
	if m.helloSeen {
		m.sendReady(ctx)
		return
	}
	m.helloSeen = true

	id := strings.TrimSpace(msg.ScenarioID)
	if id != "" {
		sc, ok := m.cfg.Catalog.Get(id)
		if !ok {
			m.log.Warn("hello named unknown scenario", "scenario_id", id)
			m.rejectClient(ctx, "unknown_scenario", "no such scenario: "+id)
			return
		}
		m.scenarioID = id
		m.scen = sc
		ctx = shared.WithScenarioID(ctx, id)
		if err := m.cfg.Store.SetScenario(ctx, m.cfg.SessionID, id); err != nil {
			m.log.Warn("persist scenario binding", "error", err)
		}
		// If the upstream handshake already went out without a
		// scenario, reconfigure the live session.
		if m.handshook {
			m.sendHandshake(ctx)
		}
	}
	if m.State() == StateActive {
		m.sendReady(ctx)
	}
}

// handleText turns a typed utterance into a conversation item plus a
// response request, in that order.
func (m *Manager) handleText(ctx context.Context, msg *clientMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		m.rejectClient(ctx, "empty_text", "text must not be empty")
		return
	}
	if m.up == nil {
		m.rejectClient(ctx, "upstream_unavailable", "realtime provider not connected")
		return
	}
	if !m.sendUpstream(ctx, upstream.TypeItemCreate, upstream.UserTextItem(text)) {
		m.rejectClient(ctx, "upstream_unavailable", "could not deliver message")
		return
	}
	m.appendTranscript(ctx, "user", text)
	if m.sendUpstream(ctx, upstream.TypeResponseCreate, upstream.ResponseCreate()) {
		m.noteResponseCreated(ctx)
	}
}

func (m *Manager) handleAudioAppend(ctx context.Context, msg *clientMessage) {
	if msg.Audio == "" {
		m.rejectClient(ctx, "empty_audio", "audio payload must not be empty")
		return
	}
	if !m.forwardOrReject(ctx, upstream.TypeAudioAppend, upstream.AudioAppend(msg.Audio)) {
		return
	}
	m.stats.AudioChunksIn++
	m.statsDirty = true
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.AudioChunksIn.Add(ctx, 1)
	}
}

// forwardOrReject forwards one already-built upstream message and
// reports the outcome to the client on failure.
func (m *Manager) forwardOrReject(ctx context.Context, msgType string, v any) bool {
	if m.up == nil {
		m.rejectClient(ctx, "upstream_unavailable", "realtime provider not connected")
		return false
	}
	if !m.sendUpstream(ctx, msgType, v) {
		m.rejectClient(ctx, "forward_failed", "message could not be forwarded")
		return false
	}
	return true
}

// ensureScenario loads the bound scenario lazily, for sessions that
// ended before the catalog entry was resolved.
func (m *Manager) ensureScenario() {
	if m.scen != nil || m.scenarioID == "" {
		return
	}
	if sc, ok := m.cfg.Catalog.Get(m.scenarioID); ok {
		m.scen = sc
	}
}
