package session

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/parla/internal/bus"
	otelpkg "github.com/basket/parla/internal/otel"
	"github.com/basket/parla/internal/tools"
	"github.com/basket/parla/internal/upstream"
)

// toolCallBuffer accumulates streamed function-call arguments for one
// call id until the done event arrives.
type toolCallBuffer struct {
	name string
	args []byte
}

func (m *Manager) bufferToolArgs(callID, name, delta string) {
	if callID == "" {
		return
	}
	buf, ok := m.toolCalls[callID]
	if !ok {
		buf = &toolCallBuffer{}
		m.toolCalls[callID] = buf
	}
	if name != "" {
		buf.name = name
	}
	buf.args = append(buf.args, delta...)
}

// completeToolCall executes one aggregated tool call. The in-flight
// set makes dispatch at most once per call id no matter how many done
// or output-item events the provider sends.
func (m *Manager) completeToolCall(ctx context.Context, callID, name, finalArgs string) {
	if callID == "" || m.inflight[callID] {
		return
	}
	m.inflight[callID] = true

	buf := m.toolCalls[callID]
	delete(m.toolCalls, callID)
	argText := finalArgs
	if buf != nil {
		if buf.name != "" && name == "" {
			name = buf.name
		}
		if len(buf.args) > 0 {
			argText = string(buf.args)
		}
	}
	if name == "" {
		m.log.Warn("tool call without a name", "call_id", callID)
		return
	}

	args := map[string]any{}
	if argText != "" {
		if err := json.Unmarshal([]byte(argText), &args); err != nil {
			m.log.Warn("tool arguments not valid JSON", "tool", name, "call_id", callID, "error", err)
			args = map[string]any{}
		}
	}

	result := m.runTool(ctx, callID, name, args)

	if err := m.cfg.Store.AppendToolResult(ctx, m.cfg.SessionID, name, result); err != nil {
		m.log.Warn("persist tool result", "tool", name, "error", err)
	}
	m.stats.ToolCalls++
	m.statsDirty = true

	// The model is unblocked first so it can keep talking, then the
	// client is told what happened.
	if m.up != nil {
		if m.sendUpstream(ctx, upstream.TypeItemCreate, upstream.FunctionOutputItem(callID, result)) {
			if m.sendUpstream(ctx, upstream.TypeResponseCreate, upstream.ResponseCreate()) {
				m.noteResponseCreated(ctx)
			}
		}
	}
	m.send(ctx, map[string]any{
		"type":    ServerToolResult,
		"call_id": callID,
		"name":    name,
		"result":  result,
	})
}

// runTool executes one registered tool with the session's context and
// a deadline. Failures come back as a structured failure payload, not
// an upstream-visible error.
func (m *Manager) runTool(ctx context.Context, callID, name string, args map[string]any) json.RawMessage {
	m.ensureScenario()
	sctx := tools.SessionContext{
		SessionID:  m.cfg.SessionID,
		Scenario:   m.scen,
		Transcript: m.transcript,
		Stats:      m.stats,
	}

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.ToolTimeout)
	defer cancel()
	attrs := []attribute.KeyValue{otelpkg.AttrToolName.String(name)}
	if callID != "" {
		attrs = append(attrs, otelpkg.AttrCallID.String(callID))
	}
	execCtx, span := otelpkg.StartSpan(execCtx, m.cfg.Tracer, "tool.execute", attrs...)
	defer span.End()

	start := time.Now()
	result, err := m.cfg.Executor.Execute(execCtx, name, args, sctx)
	elapsed := time.Since(start)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ToolCallDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("tool", name)))
	}
	if err != nil {
		m.log.Warn("tool execution failed", "tool", name, "error", err)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ToolCallErrors.Add(ctx, 1,
				metric.WithAttributes(attribute.String("tool", name)))
		}
		span.RecordError(err)
		result = tools.Failure(err)
	}
	m.cfg.Bus.Publish(bus.TopicSessionToolResult, bus.SessionToolResultEvent{
		SessionID: m.cfg.SessionID,
		Tool:      name,
		OK:        err == nil,
	})
	m.log.Info("tool executed", "tool", name, "ok", err == nil,
		"duration", elapsed.Round(time.Millisecond).String())
	return result
}
