package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/giftworks/giftfunnel/internal/config"
	"github.com/giftworks/giftfunnel/internal/funnel"
	"github.com/giftworks/giftfunnel/internal/recovery"
	"github.com/giftworks/giftfunnel/internal/storage"
)

type Server struct {
	cfg      config.ServerConfig
	adminKey string
	store    storage.Storage
	funnel   *funnel.Engine
	recovery *recovery.Engine
	router   *chi.Mux
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(cfg config.ServerConfig, admin config.AdminConfig, store storage.Storage,
	funnelEngine *funnel.Engine, recoveryEngine *recovery.Engine, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		adminKey: admin.APIKey,
		store:    store,
		funnel:   funnelEngine,
		recovery: recoveryEngine,
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	funnelHandler := NewFunnelHandler(s.funnel)
	offerHandler := NewOfferHandler(s.store)
	orderHandler := NewOrderHandler(s.store)
	recoveryHandler := NewRecoveryHandler(s.recovery, s.store)
	statsHandler := NewStatsHandler(s.store)

	// Health check — no auth
	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Storefront funnel routes — the session token is the capability
		r.Route("/funnel/{token}", func(r chi.Router) {
			r.Get("/next-offer", funnelHandler.NextOffer)
			r.Post("/accept", funnelHandler.Accept)
			r.Post("/decline", funnelHandler.Decline)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.adminKey))

			// Orders (checkout-completion hook)
			r.Post("/orders", orderHandler.Create)
			r.Get("/orders/{id}", orderHandler.Get)

			// Offer catalog
			r.Post("/offers", offerHandler.Create)
			r.Get("/offers", offerHandler.List)
			r.Get("/offers/{id}", offerHandler.Get)
			r.Put("/offers/{id}", offerHandler.Update)
			r.Patch("/offers/{id}/toggle", offerHandler.Toggle)

			// Payment recovery
			r.Post("/recovery/declines", recoveryHandler.Create)
			r.Get("/recovery/declines", recoveryHandler.List)
			r.Get("/recovery/declines/{id}", recoveryHandler.Get)
			r.Post("/recovery/declines/{id}/stop", recoveryHandler.Stop)
			r.Post("/recovery/declines/{id}/retry", recoveryHandler.ManualRetry)
			r.Post("/recovery/declines/{id}/send-email", recoveryHandler.SendEmail)
			r.Post("/recovery/process", recoveryHandler.Process)

			// Stats
			r.Get("/stats", statsHandler.Stats)
		})
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
