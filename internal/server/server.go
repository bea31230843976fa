// Package server exposes Waypoint over HTTP: a synchronous text endpoint, a
// websocket voice endpoint, health probes and the Prometheus scrape target.
//
// Routes:
//
//	POST /v1/chat   {sessionId, userId, text, context} → {text}
//	GET  /v1/voice  websocket; ?sessionId=…&userId=…
//	GET  /healthz, /readyz
//	GET  /metrics
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/waypoint/internal/health"
	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/reasoning"
	"github.com/MrWong99/waypoint/internal/session"
	"github.com/MrWong99/waypoint/internal/voice"
	speech "github.com/MrWong99/waypoint/pkg/provider/voice"
)

const (
	maxBodyBytes     = 64 << 10
	maxTextLen       = voice.MaxTextLen
	maxSessionIDLen  = 128
	notOwnerText     = "Sorry, this conversation belongs to another user."
	unavailableText  = "Sorry, the assistant is shutting down. Please try again shortly."
	voiceCloseWindow = 10 * time.Second
)

// Config holds the server's collaborators.
type Config struct {
	Sessions *session.Registry
	Auth     *Authenticator

	// Speech mints voice credentials. When nil the voice endpoint answers
	// 503.
	Speech        speech.Provider
	SpeechSession speech.SessionConfig

	// VoiceIdleTimeout closes idle voice bridges. Zero uses the bridge
	// default.
	VoiceIdleTimeout time.Duration

	// AllowedOrigins are host patterns accepted for cross-origin websocket
	// upgrades.
	AllowedOrigins []string

	Health  *health.Handler
	Metrics *observe.Metrics
}

// Server serves the Waypoint HTTP API.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	return &Server{cfg: cfg}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/voice", s.handleVoice)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.cfg.Health.Register(mux)
	return observe.Middleware(s.cfg.Metrics)(mux)
}

// errorBody is the JSON body of every non-2xx response. Text, when set, is a
// user-facing sentence.
type errorBody struct {
	Error string `json:"error"`
	Text  string `json:"text,omitempty"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "error", err)
	}
}

// writeAuthError maps an authentication or session ownership failure to a
// response.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrIdentityMismatch), errors.Is(err, reasoning.ErrNotOwner):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Text: notOwnerText})
	case errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Text: unavailableText})
	default:
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
	}
}
