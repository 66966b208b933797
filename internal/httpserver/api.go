package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/blackmichael/skyfeed/internal/auth"
	"github.com/blackmichael/skyfeed/internal/domain"
)

type sessionResponse struct {
	Connected bool   `json:"connected"`
	DID       string `json:"did,omitempty"`
	Handle    string `json:"handle,omitempty"`
}

func toSessionResponse(session *domain.Session) sessionResponse {
	if !session.Valid() {
		return sessionResponse{}
	}
	return sessionResponse{Connected: true, DID: session.DID, Handle: session.Handle}
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSessionResponse(s.sessions.Current()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "body must be JSON")
		return
	}
	req.Identifier = strings.TrimPrefix(strings.TrimSpace(req.Identifier), "@")
	if req.Identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "identifier and password are required")
		return
	}

	session, err := s.sessions.Authenticate(r.Context(), req.Identifier, req.Password)
	if err != nil {
		var authErr *auth.AuthError
		if !errors.As(err, &authErr) {
			s.logger.Error("connect failed", "identifier", req.Identifier, "error", err)
			writeError(w, http.StatusBadGateway, "UpstreamFailure", "could not reach the provider")
			return
		}
		status := http.StatusBadGateway
		switch authErr.Kind {
		case auth.InvalidCredential:
			status = http.StatusUnauthorized
		case auth.RateLimited:
			status = http.StatusTooManyRequests
		}
		s.logger.Warn("connect rejected", "identifier", req.Identifier, "kind", authErr.Kind)
		writeError(w, status, authErr.Kind.String(), authErr.Error())
		return
	}

	s.logger.Info("connected", "did", session.DID, "handle", session.Handle)
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireSession(w http.ResponseWriter) bool {
	if s.sessions.Current().Valid() {
		return true
	}
	writeError(w, http.StatusUnauthorized, "NotConnected", "connect an account first")
	return false
}

func (s *Server) handleGetFeed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.State().Snapshot())
}

func (s *Server) handleLoadFeed(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Load(r.Context()))
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": s.engine.Feeds(r.Context())})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Preferences().Query(r.Context()))
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source      *string `json:"source"`
		Window      *string `json:"window"`
		ShowReposts *bool   `json:"showReposts"`
		Weighted    *bool   `json:"weighted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "body must be JSON")
		return
	}

	ctx := r.Context()
	prefs := s.engine.Preferences()
	q := prefs.Query(ctx)
	if req.Source != nil {
		q.Source = *req.Source
	}
	if req.Window != nil {
		window := domain.TimeWindow(*req.Window)
		if domain.ParseTimeWindow(*req.Window) != window {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "window must be one of 24h, 7d, 30d")
			return
		}
		q.Window = window
	}
	if req.ShowReposts != nil {
		q.ShowReposts = *req.ShowReposts
	}
	if req.Weighted != nil {
		q.Weighted = *req.Weighted
	}

	if err := prefs.Save(ctx, q); err != nil {
		s.logger.Error("save preferences failed", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to save preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs.Query(ctx))
}

func (s *Server) handleToggleLike(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "uri is required")
		return
	}
	if !s.requireSession(w) {
		return
	}
	commit, ok := s.engine.BeginToggleLike(req.URI)
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "post is not in the current feed")
		return
	}

	// The optimistic change is already in state; the write settles it.
	go commit(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}
