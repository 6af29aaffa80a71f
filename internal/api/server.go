// Package api exposes the HTTP surface of the sync service: the provider
// webhook receiver and operational read endpoints. The receiver only
// validates and enqueues; all side effects run in the queue consumers.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

// Server is the HTTP server for webhooks and status endpoints.
type Server struct {
	cfg     config.ServerConfig
	store   *store.Store
	queue   *queue.Client
	db      *sql.DB
	handler http.Handler
	server  *http.Server
}

// NewServer wires the router.
func NewServer(cfg config.ServerConfig, st *store.Store, qc *queue.Client, db *sql.DB) *Server {
	s := &Server{cfg: cfg, store: st, queue: qc, db: db}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Nylas-Signature"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/nylas", s.handleWebhookChallenge)
		r.Post("/nylas", s.handleWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/configs/{configID}/status", s.handleConfigStatus)
		r.Get("/queues/depth", s.handleQueueDepth)
	})

	return r
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.GetHost(), s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
