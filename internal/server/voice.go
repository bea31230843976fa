package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/session"
	"github.com/MrWong99/waypoint/internal/voice"
)

// wsSender serialises writes to one websocket.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, m voice.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, voiceCloseWindow)
	defer cancel()
	return wsjson.Write(ctx, s.conn, m)
}

// handleVoice upgrades to a websocket and runs a voice bridge for the
// session until the client disconnects or the bridge idles out.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Speech == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "voice mode is not configured"})
		return
	}
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	if sessionID == "" || len(sessionID) > maxSessionIDLen {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "sessionId is required"})
		return
	}
	r = r.WithContext(observe.WithSession(r.Context(), sessionID))
	caller, err := s.cfg.Auth.Identify(r, q.Get("userId"))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	h, err := s.cfg.Sessions.Acquire(r.Context(), sessionID, caller)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if b := h.Bridge(); b != nil && b.State() != voice.StateClosed {
		writeJSON(w, http.StatusConflict, errorBody{Error: "voice bridge already active"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		// Accept has already written the HTTP error.
		return
	}
	defer conn.CloseNow()
	log := observe.Logger(r.Context()).With("user_id", caller.UserID)

	out := &wsSender{conn: conn}
	bridge := voice.NewBridge(voice.Config{
		SessionID:     sessionID,
		Caller:        caller,
		Speech:        s.cfg.Speech,
		SpeechSession: s.cfg.SpeechSession,
		Reasoning: func(context.Context) (voice.Turner, error) {
			return h.Reasoning(), nil
		},
		Out:         out,
		IdleTimeout: s.cfg.VoiceIdleTimeout,
		Metrics:     s.cfg.Metrics,
	})
	if err := h.AttachBridge(bridge); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "voice bridge already active")
		return
	}
	defer h.DetachBridge(bridge)

	if err := bridge.Open(r.Context()); err != nil {
		log.Error("server: open voice bridge", "error", err)
		_ = out.Send(r.Context(), voice.Outbound{Type: voice.TypeError, Text: "Voice mode is unavailable right now."})
		_ = conn.Close(websocket.StatusInternalError, "voice session unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-bridge.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	reason := s.readVoice(ctx, conn, bridge, out, h)

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(r.Context()), voiceCloseWindow)
	defer closeCancel()
	_ = bridge.Close(closeCtx)
	_ = conn.Close(websocket.StatusNormalClosure, reason)
	log.Info("server: voice connection closed", "reason", reason)
}

// readVoice feeds inbound messages to the bridge and returns the close
// reason. Malformed messages are answered with an error message and the
// connection stays open.
func (s *Server) readVoice(ctx context.Context, conn *websocket.Conn, bridge *voice.Bridge, out *wsSender, h *session.Handle) string {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-bridge.Done():
				return "idle timeout"
			default:
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return "client disconnected"
			}
			return "read error"
		}
		h.Touch()

		var in voice.Inbound
		if typ != websocket.MessageText || json.Unmarshal(data, &in) != nil {
			_ = out.Send(ctx, voice.Outbound{Type: voice.TypeError, Text: "malformed message"})
			continue
		}
		if err := bridge.Handle(in); err != nil {
			if errors.Is(err, voice.ErrBridgeClosed) {
				return "bridge closed"
			}
			_ = out.Send(ctx, voice.Outbound{Type: voice.TypeError, Text: err.Error()})
		}
	}
}
