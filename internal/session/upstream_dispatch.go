package session

import (
	"context"

	"github.com/basket/parla/internal/upstream"
)

// handleUpstreamEvent routes one provider event. Unrecognized types
// are dropped (mirrored first when the debug policy allows it).
func (m *Manager) handleUpstreamEvent(ctx context.Context, ev upstream.Event) {
	if m.State() >= StateTerminating {
		return
	}
	if m.cfg.Policy.MirrorUpstream() {
		m.send(ctx, map[string]any{"type": ServerDebugUpstream, "event": ev.Raw})
	}

	switch ev.Type {
	case upstream.TypeError:
		msg := "upstream error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		m.log.Warn("upstream reported error", "message", msg)
		m.writeError(ctx, "upstream_error", msg)

	case upstream.TypeResponseCreated:
		m.textBuf = m.textBuf[:0]
		m.noteResponseCreated(ctx)

	case upstream.TypeResponseDone:
		m.textBuf = m.textBuf[:0]
		m.send(ctx, map[string]any{"type": ServerResponseDone, "response_id": ev.ResponseID})

	case upstream.TypeTextDelta, upstream.TypeAudioTranscriptDelta:
		m.textBuf = append(m.textBuf, ev.Delta...)
		m.send(ctx, map[string]any{"type": ServerTextDelta, "delta": ev.Delta})

	case upstream.TypeTextDone:
		m.completeAssistantText(ctx, ev.Text)

	case upstream.TypeAudioTranscriptDone:
		m.completeAssistantText(ctx, ev.Transcript)

	case upstream.TypeAudioDelta:
		m.stats.AudioChunksOut++
		m.statsDirty = true
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.AudioChunksOut.Add(ctx, 1)
		}
		m.send(ctx, map[string]any{"type": ServerAudioDelta, "delta": ev.Delta})

	case upstream.TypeAudioDone:
		m.send(ctx, map[string]any{"type": ServerAudioDone})

	case upstream.TypeSpeechStarted:
		m.send(ctx, map[string]any{"type": ServerSpeechStarted})

	case upstream.TypeSpeechStopped:
		m.send(ctx, map[string]any{"type": ServerSpeechStopped})

	case upstream.TypeInputTranscriptionDone:
		if ev.Transcript != "" {
			m.appendTranscript(ctx, "user", ev.Transcript)
			m.send(ctx, map[string]any{
				"type":       ServerTranscription,
				"transcript": ev.Transcript,
			})
		}

	case upstream.TypeFuncArgsDelta:
		m.bufferToolArgs(ev.CallID, ev.Name, ev.Delta)

	case upstream.TypeFuncArgsDone:
		m.completeToolCall(ctx, ev.CallID, ev.Name, ev.Arguments)

	case upstream.TypeOutputItemDone:
		// Fallback for providers that skip the streaming argument
		// path. Only fires for call ids the primary path never saw.
		if ev.Item != nil && ev.Item.Type == "function_call" && ev.Item.CallID != "" {
			if _, seen := m.toolCalls[ev.Item.CallID]; !seen && !m.inflight[ev.Item.CallID] {
				m.completeToolCall(ctx, ev.Item.CallID, ev.Item.Name, ev.Item.Arguments)
			}
		}

	case upstream.TypeSessionCreated, upstream.TypeSessionUpdated:
		m.log.Debug("upstream session event", "event_type", ev.Type)

	default:
		m.log.Debug("ignoring upstream event", "event_type", ev.Type)
	}
}

// completeAssistantText closes out one streamed assistant utterance.
// The done event's own text wins over the assembled deltas when the
// provider supplies it.
func (m *Manager) completeAssistantText(ctx context.Context, final string) {
	if final == "" {
		final = string(m.textBuf)
	}
	m.textBuf = m.textBuf[:0]
	if final == "" {
		return
	}
	m.appendTranscript(ctx, "assistant", final)
	m.send(ctx, map[string]any{"type": ServerTextCompleted, "text": final})
}
