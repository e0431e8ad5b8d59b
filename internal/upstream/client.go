package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/parla/internal/config"
	"github.com/basket/parla/internal/scenario"
	"github.com/basket/parla/internal/tools"
)

// Conn is the session layer's view of the upstream socket. The concrete
// type wraps a WebSocket; tests substitute an in-memory fake.
type Conn interface {
	// ReadEvent blocks for the next upstream event, decoded into an
	// envelope.
	ReadEvent(ctx context.Context) (Event, error)
	// WriteJSON sends one outbound event. Callers hold responsibility for
	// keeping writes within the allow-list.
	WriteJSON(ctx context.Context, payload any) error
	// Close closes the socket. Safe to call more than once.
	Close() error
}

// Dialer establishes upstream connections. Swappable for tests.
type Dialer interface {
	Dial(ctx context.Context, cfg config.UpstreamConfig) (Conn, error)
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEvent(ctx context.Context) (Event, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	if typ != websocket.MessageText {
		return Event{}, fmt.Errorf("upstream sent non-text frame")
	}
	ev, err := ParseEvent(data)
	if err != nil {
		return Event{}, fmt.Errorf("parse upstream event: %w", err)
	}
	return ev, nil
}

func (c *wsConn) WriteJSON(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal upstream event: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	// Closing an already-closed socket must not raise.
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

// WSDialer dials the realtime backend over WebSocket with bearer auth.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, cfg config.UpstreamConfig) (Conn, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	dialCtx := ctx
	if cfg.DialTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.DialTimeoutSeconds)*time.Second)
		defer cancel()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	// Audio frames are large; do not let the library cap them at 32K.
	conn.SetReadLimit(1 << 24)
	return &wsConn{conn: conn}, nil
}

// SessionUpdate builds the configuration handshake sent right after the
// upstream socket opens: instructions, modalities, voice, audio formats,
// and the tool list, all derived from the scenario.
func SessionUpdate(sc *scenario.Scenario, cfg config.UpstreamConfig, defs []tools.Definition) map[string]any {
	voice := cfg.Voice
	instructions := ""
	if sc != nil {
		instructions = sc.Instructions
		if sc.Voice != "" {
			voice = sc.Voice
		}
	}

	toolDecls := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		toolDecls = append(toolDecls, map[string]any{
			"type":        "function",
			"name":        def.Name,
			"description": def.Description,
			"parameters":  json.RawMessage(def.Parameters),
		})
	}

	return map[string]any{
		"type": TypeSessionUpdate,
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        instructions,
			"voice":               voice,
			"input_audio_format":  cfg.InputAudioFormat,
			"output_audio_format": cfg.OutputAudioFormat,
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
			"tools":       toolDecls,
			"tool_choice": "auto",
		},
	}
}
