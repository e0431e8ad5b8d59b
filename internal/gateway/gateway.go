// Package gateway is the HTTP surface of the relay: the browser
// websocket endpoint plus the small JSON API for scenarios, session
// summaries, tokens, and health.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/parla/internal/audit"
	"github.com/basket/parla/internal/auth"
	"github.com/basket/parla/internal/bus"
	"github.com/basket/parla/internal/config"
	"github.com/basket/parla/internal/otel"
	"github.com/basket/parla/internal/persistence"
	"github.com/basket/parla/internal/policy"
	"github.com/basket/parla/internal/scenario"
	"github.com/basket/parla/internal/tools"
	"github.com/basket/parla/internal/upstream"
)

// Server wires every relay component behind one http.Handler.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	store    *persistence.Store
	catalog  *scenario.Catalog
	registry *tools.Registry
	dialer   upstream.Dialer
	policy   policy.Checker
	bus      *bus.Bus
	signer   *auth.Signer
	metrics  *otel.Metrics
	tracer   trace.Tracer
	started  time.Time
}

// Deps carries the constructed components into the server. Metrics
// and Tracer may be nil.
type Deps struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    *persistence.Store
	Catalog  *scenario.Catalog
	Registry *tools.Registry
	Dialer   upstream.Dialer
	Policy   policy.Checker
	Bus      *bus.Bus
	Signer   *auth.Signer
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

func New(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		log:      d.Logger.With("component", "gateway"),
		store:    d.Store,
		catalog:  d.Catalog,
		registry: d.Registry,
		dialer:   d.Dialer,
		policy:   d.Policy,
		bus:      d.Bus,
		signer:   d.Signer,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		started:  time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/scenarios", s.handleScenarios)
	mux.HandleFunc("GET /api/sessions/{id}/summary", s.handleSummary)
	mux.HandleFunc("POST /api/token", s.handleToken)
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.cors(mux)
}

// cors answers preflight and tags responses for the configured
// browser origins. The websocket endpoint does its own origin check.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Parla-Secret")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, open, err := s.store.CountSessions(r.Context())
	status := "ok"
	code := http.StatusOK
	if err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.log.Warn("health store check", "error", err)
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime":         time.Since(s.started).Round(time.Second).String(),
		"sessions_total": total,
		"sessions_open":  open,
		"scenarios":      len(s.catalog.List()),
		"policy_version": s.policy.PolicyVersion(),
		"audit_denies":   audit.DenyCount(),
	})
}

// handleMetrics is a JSON snapshot of the relay's counters, for
// scrapers that do not speak OTLP.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	total, open, err := s.store.CountSessions(r.Context())
	if err != nil {
		s.log.Warn("metrics store count", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"sessions_total":   total,
		"sessions_open":    open,
		"scenarios_loaded": len(s.catalog.List()),
		"audit_denies":     audit.DenyCount(),
	})
}

// handleScenarios lists the loaded catalog without instructions or
// quiz answers; this endpoint is browser-facing.
func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	type item struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Language string `json:"language"`
		Level    string `json:"level,omitempty"`
		AutoQuiz bool   `json:"auto_quiz"`
	}
	var out []item
	for _, sc := range s.catalog.List() {
		out = append(out, item{
			ID:       sc.ID,
			Title:    sc.Title,
			Language: sc.Language,
			Level:    sc.Level,
			AutoQuiz: sc.AutoQuiz,
		})
	}
	if out == nil {
		out = []item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": out})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := s.store.Summarize(r.Context(), id, tools.GradeTool, tools.QuizTool)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "no such session")
			return
		}
		s.log.Error("summarize session", "session_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleToken mints a websocket token. The caller proves knowledge of
// the shared secret; browsers get tokens from their own app server,
// never from here directly.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.signer.Enabled() {
		writeJSONError(w, http.StatusNotFound, "token auth disabled")
		return
	}
	presented := r.Header.Get("X-Parla-Secret")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Auth.Secret)) != 1 {
		audit.Record("deny", "token_mint", "bad secret", "")
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      s.signer.Mint(time.Now()),
		"expires_in": s.cfg.Auth.TokenTTLSeconds,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}
