package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"chatrelay/internal/chat"
	"chatrelay/internal/store"
	"chatrelay/internal/token"
	"chatrelay/internal/webhook"
	"chatrelay/pkg/logx"
)

// ---- chat ----

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{VisibleOnly: r.URL.Query().Get("visible") == "true"}
	msgs, err := s.store.Query(r.Context(), f)
	if err != nil {
		s.log.Error("message query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "unable to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleUpdateVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDArray []string `json:"idArray"`
		Visible bool     `json:"visible"`
	}
	if err := decodeBody(r, &req); err != nil || len(req.IDArray) == 0 {
		writeError(w, http.StatusBadRequest, "idArray is required")
		return
	}
	if _, err := s.gateway.SetMessageVisibility(r.Context(), req.IDArray, req.Visible); err != nil {
		s.log.Error("visibility update failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "unable to update visibility")
		return
	}
	writeSuccess(w)
}

// ---- webhooks ----

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string           `json:"url"`
		Events []chat.EventType `json:"events"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	wh, err := s.registry.Create(req.URL, req.Events)
	switch {
	case errors.Is(err, webhook.ErrInvalidURL), errors.Is(err, webhook.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "unable to create webhook")
		return
	}
	s.log.Info("webhook registered", logx.String("id", wh.ID), logx.String("url", wh.URL))
	writeJSON(w, http.StatusOK, wh)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.registry.Delete(req.ID); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown webhook id")
			return
		}
		writeError(w, http.StatusInternalServerError, "unable to delete webhook")
		return
	}
	s.log.Info("webhook deleted", logx.String("id", req.ID))
	writeSuccess(w)
}

// ---- access tokens ----

func (s *Server) handleCreateAccessToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	tok, err := s.authority.Create(req.Name, req.Scopes)
	switch {
	case errors.Is(err, token.ErrInvalidName), errors.Is(err, token.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "unable to create token")
		return
	}
	s.log.Info("access token created", logx.String("name", tok.Name))
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleListAccessTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.authority.List())
}

func (s *Server) handleDeleteAccessToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.authority.Revoke(req.Token); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown token")
			return
		}
		writeError(w, http.StatusInternalServerError, "unable to delete token")
		return
	}
	s.log.Info("access token revoked")
	writeSuccess(w)
}

// ---- integrations ----

func (s *Server) handleSystemMessage(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if !s.authority.Authorize(tok, string(chat.ScopeSendSystemMessages)) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	msg, err := s.gateway.InjectSystemMessage(r.Context(), req.Body)
	if err != nil {
		s.log.Error("system message failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "unable to send message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
