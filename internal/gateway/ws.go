package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/parla/internal/audit"
	"github.com/basket/parla/internal/otel"
	"github.com/basket/parla/internal/session"
	"github.com/basket/parla/internal/shared"
)

// handleWS upgrades the browser connection and runs the session actor
// to completion on this handler goroutine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.signer.Verify(r.URL.Query().Get("token"), time.Now()); err != nil {
		audit.Record("deny", "ws_connect", "token rejected: "+err.Error(), "")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 22)

	sessionID := r.URL.Query().Get("session")
	if !validSessionKey(sessionID) {
		sessionID = uuid.NewString()
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "ws.session",
		otel.AttrSessionID.String(sessionID))
	defer span.End()

	log := s.log.With("session_id", sessionID, "trace_id", shared.TraceID(ctx))
	log.Info("client connected", "remote", r.RemoteAddr)

	mgr := session.New(session.Config{
		SessionID:          sessionID,
		Client:             &wsClient{conn: conn},
		Store:              s.store,
		Catalog:            s.catalog,
		Executor:           s.registry,
		Dialer:             s.dialer,
		Upstream:           s.cfg.Upstream,
		Policy:             s.policy,
		Bus:                s.bus,
		Logger:             s.log,
		Metrics:            s.metrics,
		Tracer:             s.tracer,
		MaxCallDuration:    s.cfg.MaxCallDuration(),
		MaxResponses:       int64(s.cfg.Limits.MaxResponses),
		CheckInterval:      time.Duration(s.cfg.Limits.CheckIntervalSeconds) * time.Second,
		TranscriptEntries:  s.cfg.Limits.TranscriptEntries,
		StatsFlushInterval: time.Duration(s.cfg.Limits.StatsFlushSeconds) * time.Second,
	})
	mgr.Run(ctx)
	log.Info("client disconnected")
}

// validSessionKey accepts a caller-supplied session key when it looks
// like an opaque identifier. Anything else gets a fresh UUID instead.
func validSessionKey(key string) bool {
	if key == "" || len(key) > 64 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// wsClient adapts the accepted websocket to the session actor's view
// of the client.
type wsClient struct {
	conn *websocket.Conn
}

func (c *wsClient) ReadMessage(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageBinary, nil
}

func (c *wsClient) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}

func (c *wsClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "call ended")
}
