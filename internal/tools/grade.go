package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// grade scores the learner from the transcript excerpt. The heuristic is
// deliberately simple: participation volume and turn balance. The result
// shape is what matters to the rest of the system.
func (r *Registry) grade(_ context.Context, args map[string]any, sctx SessionContext) (json.RawMessage, error) {
	var userTurns, userWords, aiTurns int
	for _, entry := range sctx.Transcript {
		switch entry.Role {
		case "user":
			userTurns++
			userWords += len(strings.Fields(entry.Text))
		case "assistant":
			aiTurns++
		}
	}

	// Base participation score: 5 points per user turn plus 1 per word,
	// capped at 100. No participation grades to zero.
	score := userTurns*5 + userWords
	if score > 100 {
		score = 100
	}

	feedback := "Keep practicing; try responding with full sentences."
	switch {
	case userTurns == 0:
		feedback = "No learner speech was recorded in this session."
	case score >= 80:
		feedback = "Strong session with consistent participation."
	case score >= 50:
		feedback = "Good effort; aim for longer answers next time."
	}

	topic := ""
	if v, ok := args["topic"].(string); ok {
		topic = v
	}

	result := map[string]any{
		"ok":         true,
		"score":      score,
		"user_turns": userTurns,
		"ai_turns":   aiTurns,
		"feedback":   feedback,
	}
	if topic != "" {
		result["topic"] = topic
	}
	return json.Marshal(result)
}
