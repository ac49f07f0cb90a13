package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/campaign"
	"github.com/careops/notifyd/internal/config"
	"github.com/careops/notifyd/internal/dispatch"
	"github.com/careops/notifyd/internal/storage"
	"github.com/careops/notifyd/internal/webhook"
)

type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Storage, gate *dispatch.Gate, orch *campaign.Orchestrator, hooks *webhook.Notifier, log zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: log,
	}
	s.router = s.buildRouter(store, gate, orch, hooks)
	return s
}

func (s *Server) buildRouter(store storage.Storage, gate *dispatch.Gate, orch *campaign.Orchestrator, hooks *webhook.Notifier) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	ntfHandler := NewNotificationHandler(store, gate)
	cmpHandler := NewCampaignHandler(store, orch)
	whkHandler := NewWebhookHandler(store, hooks)

	// Health check, no auth
	r.Get("/health", Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey))

		// Notifications
		r.Post("/notifications", ntfHandler.Submit)
		r.Post("/notifications/appointment-created", ntfHandler.AppointmentCreated)
		r.Post("/notifications/appointment-reminder", ntfHandler.AppointmentReminder)
		r.Post("/notifications/appointment-cancelled", ntfHandler.AppointmentCancelled)
		r.Post("/notifications/qr-resend", ntfHandler.QRResend)
		r.Get("/notifications/{id}", ntfHandler.Get)
		r.Get("/beneficiaries/{id}/notifications", ntfHandler.History)

		// Campaigns
		r.Post("/campaigns", cmpHandler.Create)
		r.Post("/campaigns/{id}/start", cmpHandler.Start)
		r.Post("/campaigns/{id}/pause", cmpHandler.Pause)
		r.Post("/campaigns/{id}/resume", cmpHandler.Resume)
		r.Get("/campaigns/{id}/progress", cmpHandler.Progress)

		// Webhook events
		r.Get("/webhooks/{id}", whkHandler.Get)
		r.Post("/webhooks/verify", whkHandler.Verify)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
