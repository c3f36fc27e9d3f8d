// SPDX-License-Identifier: MIT

// Package api provides the HTTP and subscriber-socket surface of waitlined.
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/waitline/waitline/internal/api/middleware"
	"github.com/waitline/waitline/internal/auth"
	"github.com/waitline/waitline/internal/config"
	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/queue"
	"github.com/waitline/waitline/internal/store"
)

// Server wires the queue registry, host auth and push plumbing into HTTP
// handlers.
type Server struct {
	cfg       config.Config
	reg       *queue.Registry
	store     *store.Store
	minter    *auth.Minter
	push      queue.PushSink
	turnstile *Turnstile
	logger    zerolog.Logger
}

// New assembles the API server. push may be a queue.NopPushSink when Web
// Push is not configured.
func New(cfg config.Config, reg *queue.Registry, st *store.Store, push queue.PushSink) *Server {
	return &Server{
		cfg:       cfg,
		reg:       reg,
		store:     st,
		minter:    auth.NewMinter(cfg.HostAuthSecret),
		push:      push,
		turnstile: NewTurnstile(cfg.TurnstileSecret, cfg.TurnstileBypass),
		logger:    log.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack and all
// queue routes mounted.
func (s *Server) Router() *chi.Mux {
	r := middleware.NewRouter(middleware.StackConfig{
		AllowedOrigins: s.cfg.AllowedOrigins,
		EnableMetrics:  true,
		TracingService: s.cfg.TracingService,
		EnableLogging:  true,
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	limited := middleware.RateLimit(s.cfg.RateLimitRPM)

	r.Route("/api/queue", func(r chi.Router) {
		r.With(limited).Post("/create", s.handleCreate)
		r.Route("/{code}", func(r chi.Router) {
			r.With(limited).Post("/join", s.handleJoin)
			r.Post("/declare-nearby", s.handleDeclareNearby)
			r.Post("/leave", s.handleLeave)
			r.Post("/advance", s.handleAdvance)
			r.Post("/kick", s.handleKick)
			r.Post("/close", s.handleClose)
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/connect", s.handleConnect)
			r.Post("/push-subscribe", s.handlePushSubscribe)
			r.Post("/push-test", s.handlePushTest)
		})
	})

	if s.cfg.AppBaseURL != "" {
		r.Get("/queue/{code}", s.handleQueueRedirect)
	}

	return r
}

// hostCredential extracts the presented host credential: header first, then
// cookie, then the token query parameter (the socket path cannot set
// headers from a browser).
func hostCredential(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("X-Host-Auth")); h != "" {
		return h
	}
	if c, err := r.Cookie(hostAuthCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// requireHost verifies the host credential for the session. It writes the
// response on failure and reports whether the caller may proceed.
func (s *Server) requireHost(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	cred := hostCredential(r)
	if cred == "" {
		writeUnauthorized(w)
		return false
	}
	if !s.minter.Verify(sessionID, cred) {
		writeForbidden(w)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQueueRedirect sends shared /queue/{code} links to the web app.
func (s *Server) handleQueueRedirect(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	target := strings.TrimSuffix(s.cfg.AppBaseURL, "/") + "/q/" + code
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}
