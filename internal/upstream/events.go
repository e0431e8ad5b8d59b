// Package upstream speaks the realtime backend's WebSocket protocol:
// typed event envelopes, the outbound event constructors the relay is
// allowed to emit, and the session-configuration handshake.
package upstream

import "encoding/json"

// Inbound event types interpreted by the session layer. Anything not
// listed here is ignored (optionally mirrored as a debug event).
const (
	TypeError          = "error"
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	TypeResponseCreated = "response.created"
	TypeResponseDone    = "response.done"

	TypeTextDelta = "response.text.delta"
	TypeTextDone  = "response.text.done"

	TypeAudioDelta = "response.audio.delta"
	TypeAudioDone  = "response.audio.done"

	TypeAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeAudioTranscriptDone  = "response.audio_transcript.done"

	TypeFuncArgsDelta = "response.function_call_arguments.delta"
	TypeFuncArgsDone  = "response.function_call_arguments.done"

	TypeOutputItemDone = "response.output_item.done"

	TypeSpeechStarted = "input_audio_buffer.speech_started"
	TypeSpeechStopped = "input_audio_buffer.speech_stopped"

	TypeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
)

// Outbound event types the relay emits.
const (
	TypeSessionUpdate   = "session.update"
	TypeAudioAppend     = "input_audio_buffer.append"
	TypeAudioCommit     = "input_audio_buffer.commit"
	TypeResponseCreate  = "response.create"
	TypeResponseCancel  = "response.cancel"
	TypeItemCreate      = "conversation.item.create"
	TypeItemTruncate    = "conversation.item.truncate"
)

// ErrorDetail is the error payload of an upstream "error" event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Item is a conversation item as it appears inside upstream events.
type Item struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Event is the decoded envelope of one upstream message. Only the fields
// the relay dispatches on are parsed; Raw retains the full frame for
// debug mirroring.
type Event struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ResponseID string       `json:"response_id,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Text       string       `json:"text,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Item       *Item        `json:"item,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes one upstream frame into an Event envelope.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = json.RawMessage(data)
	return ev, nil
}

// --- outbound constructors ---

// AudioAppend forwards one base64 PCM chunk of user audio.
func AudioAppend(b64 string) map[string]any {
	return map[string]any{"type": TypeAudioAppend, "audio": b64}
}

// AudioCommit marks the end of a user speech turn.
func AudioCommit() map[string]any {
	return map[string]any{"type": TypeAudioCommit}
}

// ResponseCreate asks the model to generate.
func ResponseCreate() map[string]any {
	return map[string]any{"type": TypeResponseCreate}
}

// ResponseCancel aborts the in-flight response.
func ResponseCancel() map[string]any {
	return map[string]any{"type": TypeResponseCancel}
}

// ItemTruncate trims already-played assistant audio after a barge-in.
func ItemTruncate(itemID string, contentIndex int, audioEndMs int) map[string]any {
	return map[string]any{
		"type":          TypeItemTruncate,
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  audioEndMs,
	}
}

// UserTextItem creates a user message item carrying typed text.
func UserTextItem(text string) map[string]any {
	return map[string]any{
		"type": TypeItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
}

// FunctionOutputItem feeds a tool result back into the conversation.
func FunctionOutputItem(callID string, output json.RawMessage) map[string]any {
	return map[string]any{
		"type": TypeItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	}
}
