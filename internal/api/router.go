package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/auth"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/ratelimit"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
	"github.com/UnknownEngineOfficial/xteam/internal/router"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after every component is initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	AuthService   *auth.AuthService
	Notifications repository.NotificationRepository
	Conns         *registry.Registry
	Bus           *eventbus.Bus
	MessageRouter *router.Router
	Limiter       *ratelimit.Limiter
	Logger        *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. REST
// endpoints cover only the token authority and in-app notifications —
// project/execution/agent-config CRUD and file access all go through the
// message router (C8) over the bidirectional session instead.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	wsHandler := NewWSHandler(cfg.AuthService, cfg.Conns, cfg.Bus, cfg.MessageRouter, cfg.Logger)

	authenticate := Authenticate(cfg.AuthService)
	rateLimit := RateLimit(cfg.Limiter)

	r.Route("/api/v1", func(r chi.Router) {
		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Use(rateLimit)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(authenticate)
			r.Use(rateLimit)

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/notifications", notificationHandler.List)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkAsRead)
		})

		// --- Bidirectional session endpoints ---
		// Authentication happens at handshake via the `token` query
		// parameter, since browsers cannot set custom headers on a
		// WebSocket connection — these routes intentionally sit outside
		// the Authenticate middleware group above.
		r.Get("/ws", wsHandler.ServeGlobal)
		r.Get("/projects/{project_id}/ws", wsHandler.ServeProject)
		r.Get("/executions/{execution_id}/ws", wsHandler.ServeExecution)
	})

	return r
}
