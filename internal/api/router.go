package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/auth"
	"github.com/modhost/modhost/internal/config"
	"github.com/modhost/modhost/internal/middleware"
	"github.com/modhost/modhost/internal/plugins"
	"github.com/modhost/modhost/internal/restart"
	"github.com/modhost/modhost/internal/settings"
	"github.com/modhost/modhost/internal/store"
)

// ManageCapability guards every /admin route.
const ManageCapability = "plugins.manage"

// Dependencies holds what the handlers need. Migrator stays nil when there
// is no SQL database.
type Dependencies struct {
	Config   *config.Config
	Auth     *auth.Service
	Plugins  *plugins.Registry
	Restart  *restart.Coordinator
	Settings *settings.Service
	Migrator plugins.Migrator
	Store    store.Store
	App      *app.App
	Logger   *slog.Logger
}

// Register installs the middleware stack and the host routes on r. Plugin
// routes are mounted on the same router afterwards, so this must run first.
func Register(r chi.Router, d *Dependencies) {
	logger := d.Logger

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	if cors := d.Config.CORS; cors.Enabled {
		r.Use(middleware.CORS(
			cors.AllowedOrigins,
			cors.AllowedMethods,
			cors.AllowedHeaders,
			cors.MaxAgeSeconds,
		))
	}

	h := NewHandler(d)
	health := NewHealthHandler(d.Store)
	authHandler := NewAuthHandler(d.Auth)

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	if d.App != nil {
		r.Get(app.StaticPrefix+"*", d.App.ServeStatic)
		r.Get("/", h.Home)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
	})

	r.Route("/admin/plugins", func(r chi.Router) {
		r.Use(middleware.JWTAuth(d.Auth))
		r.Use(middleware.RequireCapability(d.Auth, ManageCapability))

		r.Get("/", h.List)
		r.Get("/contributions/{kind}", h.Contributions)

		r.Get("/restart", h.RestartStatus)
		r.Post("/restart", h.Restart)
		r.Post("/restart/schedule", h.ScheduleRestart)
		r.Post("/restart/cancel", h.CancelRestart)
		r.Post("/migrations", h.RunMigrations)

		r.Post("/{name}/activate", h.Activate)
		r.Post("/{name}/deactivate", h.Deactivate)
		r.Get("/{name}/history", h.History)
		r.Get("/{name}/settings", h.GetSettings)
		r.Post("/{name}/settings", h.SaveSettings)
	})
}

// NewRouter builds a standalone chi router with only the host routes.
func NewRouter(d *Dependencies) http.Handler {
	r := chi.NewRouter()
	Register(r, d)
	return r
}
