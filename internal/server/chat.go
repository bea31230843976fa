package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/reasoning"
)

type chatRequest struct {
	SessionID string                  `json:"sessionId"`
	UserID    string                  `json:"userId"`
	Text      string                  `json:"text"`
	Context   reasoning.ClientContext `json:"context"`
}

type chatResponse struct {
	Text string `json:"text"`
}

func (r chatRequest) validate() error {
	switch {
	case strings.TrimSpace(r.SessionID) == "":
		return errors.New("sessionId is required")
	case len(r.SessionID) > maxSessionIDLen:
		return errors.New("sessionId is too long")
	case strings.TrimSpace(r.Text) == "":
		return errors.New("text is required")
	case len(r.Text) > maxTextLen:
		return errors.New("text is too long")
	}
	return nil
}

// handleChat runs one text turn synchronously.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	r = r.WithContext(observe.WithSession(r.Context(), req.SessionID))

	caller, err := s.cfg.Auth.Identify(r, req.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	h, err := s.cfg.Sessions.Acquire(r.Context(), req.SessionID, caller)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	turn, err := h.Reasoning().Turn(r.Context(), reasoning.Input{Text: req.Text, Caller: caller, Context: req.Context})
	h.Touch()
	switch {
	case errors.Is(err, reasoning.ErrNotOwner):
		writeAuthError(w, err)
		return
	case err != nil:
		// The client went away; nothing useful can be written.
		observe.Logger(r.Context()).Info("server: chat turn abandoned", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Text: turn.Text})
}
