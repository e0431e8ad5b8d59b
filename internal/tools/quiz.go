package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// quiz returns the scenario's quiz questions for the model to run with
// the learner. Answer indexes are withheld from the payload sent back
// into the conversation.
func (r *Registry) quiz(_ context.Context, args map[string]any, sctx SessionContext) (json.RawMessage, error) {
	if sctx.Scenario == nil || len(sctx.Scenario.Quiz) == 0 {
		return nil, fmt.Errorf("scenario has no quiz")
	}

	count := len(sctx.Scenario.Quiz)
	if v, ok := args["count"].(float64); ok && int(v) > 0 && int(v) < count {
		count = int(v)
	}

	type question struct {
		Prompt  string   `json:"prompt"`
		Choices []string `json:"choices"`
	}
	questions := make([]question, 0, count)
	for _, q := range sctx.Scenario.Quiz[:count] {
		questions = append(questions, question{Prompt: q.Prompt, Choices: q.Choices})
	}

	return json.Marshal(map[string]any{
		"ok":        true,
		"scenario":  sctx.Scenario.ID,
		"questions": questions,
		"asked":     len(questions),
	})
}
