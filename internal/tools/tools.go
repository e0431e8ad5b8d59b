// Package tools implements the tool contract the relay exposes to the
// model: a named function, structured arguments, session context in, one
// JSON-serializable result out. Failures never escape the boundary raw.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/parla/internal/persistence"
	"github.com/basket/parla/internal/scenario"
)

// Built-in tool names.
const (
	GradeTool = "grade_lesson"
	QuizTool  = "run_quiz"
)

// SessionContext is the slice of session state a tool may read.
type SessionContext struct {
	SessionID  string
	Scenario   *scenario.Scenario
	Transcript []persistence.TranscriptEntry
	Stats      persistence.Stats
}

// Executor resolves one tool call. Implementations must not panic; any
// error return is normalized by the caller into a failure result.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any, sctx SessionContext) (json.RawMessage, error)
}

// Failure builds the normalized failure result for an executor error.
func Failure(err error) json.RawMessage {
	msg := "tool execution failed"
	if err != nil {
		msg = err.Error()
	}
	b, marshalErr := json.Marshal(map[string]any{"ok": false, "error": msg})
	if marshalErr != nil {
		return json.RawMessage(`{"ok":false,"error":"tool execution failed"}`)
	}
	return b
}

// Registry is the default Executor holding the built-in tutoring tools.
type Registry struct{}

func NewRegistry() *Registry {
	return &Registry{}
}

// Names lists the tools the registry can resolve.
func (r *Registry) Names() []string {
	return []string{GradeTool, QuizTool}
}

// Definitions returns the function declarations advertised to the
// upstream model in the session handshake, filtered to the scenario's
// tool list when it names any.
func (r *Registry) Definitions(sc *scenario.Scenario) []Definition {
	all := []Definition{
		{
			Name:        GradeTool,
			Description: "Grade the learner's performance in this lesson so far. Call when the learner asks how they are doing or when wrapping up.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"topic": {"type": "string", "description": "Lesson topic being graded"}
				}
			}`),
		},
		{
			Name:        QuizTool,
			Description: "Run the end-of-lesson quiz for this scenario.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"count": {"type": "integer", "description": "Number of questions to ask"}
				}
			}`),
		},
	}
	if sc == nil || len(sc.Tools) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(sc.Tools))
	for _, name := range sc.Tools {
		allowed[name] = true
	}
	out := make([]Definition, 0, len(all))
	for _, def := range all {
		if allowed[def.Name] {
			out = append(out, def)
		}
	}
	return out
}

// Definition describes one callable function to the upstream model.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, sctx SessionContext) (json.RawMessage, error) {
	switch name {
	case GradeTool:
		return r.grade(ctx, args, sctx)
	case QuizTool:
		return r.quiz(ctx, args, sctx)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}
