// Package httpapi exposes the transport surface: the websocket chat ingress,
// the admin endpoints and the integration endpoint.
//
// Admin authentication is an injected predicate; the core never inspects
// credentials itself.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/gateway"
	"chatrelay/internal/store"
	"chatrelay/internal/token"
	"chatrelay/internal/webhook"
	"chatrelay/pkg/logx"
)

// AdminAuth reports whether the request carries a valid admin credential.
type AdminAuth func(r *http.Request) bool

type Server struct {
	addr      string
	gateway   *gateway.Gateway
	store     store.Store
	registry  *webhook.Registry
	authority *token.Authority
	isAdmin   AdminAuth
	log       logx.Logger

	srv *http.Server
}

func NewServer(addr string, gw *gateway.Gateway, st store.Store, reg *webhook.Registry, auth *token.Authority, isAdmin AdminAuth, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		addr:      addr,
		gateway:   gw,
		store:     st,
		registry:  reg,
		authority: auth,
		isAdmin:   isAdmin,
		log:       log,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/entry", s.gateway.HandleWS)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/chat/messages", s.handleGetMessages)
		r.Post("/chat/updatemessagevisibility", s.handleUpdateVisibility)

		r.Get("/webhooks", s.handleListWebhooks)
		r.Post("/webhooks/create", s.handleCreateWebhook)
		r.Post("/webhooks/delete", s.handleDeleteWebhook)

		r.Get("/accesstokens", s.handleListAccessTokens)
		r.Post("/accesstokens/create", s.handleCreateAccessToken)
		r.Post("/accesstokens/delete", s.handleDeleteAccessToken)
	})

	r.Post("/api/integrations/chat/system", s.handleSystemMessage)

	return r
}

func (s *Server) Start(ctx context.Context) error {
	ln := s.srv
	go func() {
		if err := ln.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", s.addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isAdmin == nil || !s.isAdmin(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
