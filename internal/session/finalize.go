package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/basket/parla/internal/persistence"
	"github.com/basket/parla/internal/tools"
)

// finalize runs the orderly end-of-call protocol for client.end_call.
// A grade is synthesized if the model never produced one, the quiz is
// run for scenarios that require it, progress is written once, and
// the session is closed. Safe to hit more than once; only the first
// call does work.
func (m *Manager) finalize(ctx context.Context) {
	if m.State() >= StateTerminating {
		return
	}
	m.setState(StateTerminating)
	m.log.Info("finalizing session")
	m.ensureScenario()

	m.synthesizeGrade(ctx)
	m.runAutoQuiz(ctx)
	m.recordProgress(ctx)

	m.send(ctx, map[string]any{
		"type":       ServerCallEnded,
		"session_id": m.cfg.SessionID,
		"reason":     persistence.ReasonEndCall,
	})
	m.closeSockets()
	m.persistEnd(ctx, persistence.ReasonEndCall)
	m.setState(StateClosed)
}

// synthesizeGrade guarantees every ended call carries a grade: if the
// model already invoked the grading tool, that result stands;
// otherwise one is computed from the transcript now.
func (m *Manager) synthesizeGrade(ctx context.Context) {
	has, err := m.cfg.Store.HasToolResult(ctx, m.cfg.SessionID, tools.GradeTool)
	if err != nil {
		m.log.Warn("check for existing grade", "error", err)
		return
	}
	if has {
		return
	}
	result := m.runTool(ctx, "", tools.GradeTool, map[string]any{})
	if err := m.cfg.Store.AppendToolResult(ctx, m.cfg.SessionID, tools.GradeTool, result); err != nil {
		m.log.Warn("persist synthesized grade", "error", err)
		return
	}
	m.stats.ToolCalls++
	m.statsDirty = true
	m.send(ctx, map[string]any{
		"type":   ServerToolResult,
		"name":   tools.GradeTool,
		"result": result,
	})
}

// runAutoQuiz runs the quiz at end of call for scenarios that opt in,
// unless the model already ran it during the conversation.
func (m *Manager) runAutoQuiz(ctx context.Context) {
	if m.scen == nil || !m.scen.AutoQuiz {
		return
	}
	has, err := m.cfg.Store.HasToolResult(ctx, m.cfg.SessionID, tools.QuizTool)
	if err != nil {
		m.log.Warn("check for existing quiz", "error", err)
		return
	}
	if has {
		return
	}
	result := m.runTool(ctx, "", tools.QuizTool, map[string]any{})
	if err := m.cfg.Store.AppendToolResult(ctx, m.cfg.SessionID, tools.QuizTool, result); err != nil {
		m.log.Warn("persist quiz result", "error", err)
		return
	}
	m.stats.ToolCalls++
	m.statsDirty = true
	m.send(ctx, map[string]any{
		"type":   ServerToolResult,
		"name":   tools.QuizTool,
		"result": result,
	})
}

// recordProgress marks the session complete with the score from the
// latest grade, if one parses out. A call with no grade still
// completes, just without a score.
func (m *Manager) recordProgress(ctx context.Context) {
	entry, err := m.cfg.Store.LatestToolResult(ctx, m.cfg.SessionID, tools.GradeTool)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		m.log.Warn("load grade for progress", "error", err)
		return
	}
	var score *float64
	if entry != nil {
		if s, ok := gradeScore(entry.Result); ok {
			score = &s
		}
	}
	if err := m.cfg.Store.SetProgress(ctx, m.cfg.SessionID, score); err != nil {
		m.log.Warn("record progress", "error", err)
	}
}

func gradeScore(result json.RawMessage) (float64, bool) {
	var payload struct {
		OK    bool     `json:"ok"`
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return 0, false
	}
	if payload.Score == nil {
		return 0, false
	}
	return *payload.Score, true
}
