package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types. This is the complete vocabulary a client may
// send; anything else is rejected without closing the connection.
const (
	ClientHello          = "client.hello"
	ClientPing           = "client.ping"
	ClientEcho           = "client.echo"
	ClientText           = "client.text"
	ClientAudioAppend    = "client.audio.append"
	ClientAudioCommit    = "client.audio.commit"
	ClientResponseCreate = "client.response.create"
	ClientResponseCancel = "client.response.cancel"
	ClientTruncate       = "client.truncate"
	ClientEndCall        = "client.end_call"
)

// Server event types emitted to the client.
const (
	ServerHello         = "server.hello"
	ServerPong          = "server.pong"
	ServerEcho          = "server.echo"
	ServerError         = "server.error"
	ServerTextDelta     = "server.text.delta"
	ServerTextCompleted = "server.text.completed"
	ServerTranscription = "server.transcription.completed"
	ServerAudioDelta    = "server.audio.delta"
	ServerAudioDone     = "server.audio.done"
	ServerSpeechStarted = "server.user_speech_started"
	ServerSpeechStopped = "server.user_speech_stopped"
	ServerResponseDone  = "server.response.done"
	ServerToolResult    = "server.tool_result"
	ServerCallEnded     = "server.call_ended"
	ServerDebugUpstream = "debug.openai"
)

// clientMessage is the decoded envelope of one client frame. Fields
// covers every allowed type; unknown fields are preserved in Rest for
// the echo path.
type clientMessage struct {
	Type         string `json:"type"`
	ScenarioID   string `json:"scenario_id,omitempty"`
	Text         string `json:"text,omitempty"`
	Audio        string `json:"audio,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	AudioEndMs   int    `json:"audio_end_ms,omitempty"`

	rest map[string]json.RawMessage
}

// parseClientMessage validates the frame shape: JSON object with a
// string "type". The raw field map is retained for echo.
func parseClientMessage(data []byte) (*clientMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed JSON")
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("missing type field")
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed JSON")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || strings.TrimSpace(typ) == "" {
		return nil, fmt.Errorf("missing type field")
	}
	msg.Type = typ
	msg.rest = fields
	return &msg, nil
}

// echoPayload returns the message fields minus the type tag.
func (m *clientMessage) echoPayload() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m.rest))
	for k, v := range m.rest {
		if k == "type" {
			continue
		}
		out[k] = v
	}
	return out
}
