package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modhost/modhost/internal/api"
	"github.com/modhost/modhost/internal/app"
	"github.com/modhost/modhost/internal/auth"
	"github.com/modhost/modhost/internal/config"
	"github.com/modhost/modhost/internal/database"
	"github.com/modhost/modhost/internal/discovery"
	"github.com/modhost/modhost/internal/events"
	"github.com/modhost/modhost/internal/examples"
	"github.com/modhost/modhost/internal/plugins"
	"github.com/modhost/modhost/internal/restart"
	"github.com/modhost/modhost/internal/settings"
	"github.com/modhost/modhost/internal/templates"
	"github.com/modhost/modhost/internal/theme"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print an example configuration and exit")
	flag.Parse()

	if *dumpConfig {
		if err := config.DumpExampleConfig(os.Stdout); err != nil {
			log.Fatalf("Failed to write example config: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := config.InitLogger(cfg.Logging)
	logger.Info("Starting modhost",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Driver,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("DB init failed: %v", err)
	}
	defer db.Close()

	// Run embedded migrations (compiled into the binary)
	if err := db.RunMigrations(); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	// The hub outlives ctx so buffered events still reach the sinks on
	// shutdown.
	hub := newEventHub(cfg.Events, logger)
	go hub.Run(context.WithoutCancel(ctx))

	// Discovery sources. A declaration file limits the compiled-in catalog
	// to the entries it names.
	catalog := discovery.NewCatalog()
	examples.Register(catalog)
	var sources []discovery.Source
	if cfg.Plugins.DeclarationFile != "" {
		sources = append(sources, discovery.NewStaticSource(cfg.Plugins.DeclarationFile, catalog))
	} else {
		sources = append(sources, discovery.NewCatalogSource(catalog))
	}
	pluginSources := slices.Clone(sources)
	if cfg.Plugins.Directory != "" {
		pluginSources = append(pluginSources, plugins.NewDirectorySource(cfg.Plugins.Directory))
	}

	registry := plugins.NewRegistry(db.Store, logger,
		plugins.WithSources(pluginSources...),
		plugins.WithPublisher(hub),
	)
	names, err := registry.Discover(ctx)
	if err != nil {
		log.Fatalf("Plugin discovery failed: %v", err)
	}
	order, err := registry.ValidateGraph()
	if err != nil {
		var cyclic *plugins.CyclicDependencyError
		if errors.As(err, &cyclic) {
			log.Fatalf("Plugin dependency graph is invalid: %v", err)
		}
		logger.Warn("Plugin dependency graph is incomplete", "error", err)
	}
	logger.Info("Plugins registered", "count", len(names), "order", order)

	router := chi.NewRouter()
	a := app.New(router, logger)
	if dir := cfg.Plugins.OverrideTemplates; dir != "" {
		a.Templates.AddOverride("overrides", os.DirFS(dir))
	}
	if dir := cfg.Plugins.DefaultTemplates; dir != "" {
		a.Templates.AddDefault("default", os.DirFS(dir))
	}
	a.Templates.AddDefault("platform", templates.Defaults())

	strategy := restart.Detect(cfg.Restart, logger)
	if cfg.Restart.Redis.Enabled {
		client, err := restart.NewRedisClient(ctx, cfg.Restart.Redis)
		if err != nil {
			logger.Error("Restart broadcast disabled", "error", err)
		} else {
			defer client.Close()
			broadcast := restart.NewBroadcastStrategy(strategy, client, cfg.Restart.Redis.Channel, logger)
			strategy = broadcast
			go func() {
				if err := restart.NewListener(broadcast).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Restart listener error", "error", err)
				}
			}()
		}
	}
	coordinator := restart.NewCoordinator(db.Store, strategy, hub, logger)
	settingsService := settings.NewService(registry, db.Store, authService, hub, logger)

	deps := &api.Dependencies{
		Config:   cfg,
		Auth:     authService,
		Plugins:  registry,
		Restart:  coordinator,
		Settings: settingsService,
		Store:    db.Store,
		App:      a,
		Logger:   logger,
	}
	if m := db.NewModelMigrator(logger); m != nil {
		deps.Migrator = m
	}
	// Host routes and middleware first, plugin routes after.
	api.Register(router, deps)

	// The theme layer and its Init hook come before any plugin OnInit.
	activateAppearance(ctx, cfg.Theme, sources, a, registry, hub, logger)

	report, err := registry.Mount(ctx, a)
	if err != nil {
		log.Fatalf("Failed to mount plugins: %v", err)
	}
	logger.Info("Plugins mounted",
		"mounted", report.Mounted,
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	for _, name := range report.Mounted {
		if err := settingsService.Apply(ctx, name); err != nil {
			logger.Warn("Stored plugin settings not applied", "plugin", name, "error", err)
		}
	}

	if result, err := registry.RunMigrations(ctx, deps.Migrator); err != nil {
		logger.Error("Plugin migrations failed", "error", err)
	} else if len(result.Migrated) > 0 {
		logger.Info("Plugin migrations applied", "plugins", result.Migrated, "applied", result.Applied)
	}

	// Routes now match the stored activation state.
	if err := coordinator.Reconciled(ctx); err != nil {
		logger.Error("Failed to clear restart flag", "error", err)
	}

	poller := restart.NewPoller(coordinator, cfg.Restart.PollInterval(), logger)
	go func() {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Restart poller error", "error", err)
		}
	}()

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr, "restart_strategy", strategy.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Flush lifecycle events before the workers stop
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Lifecycle events not fully delivered", "error", err)
	}

	// Cancel the main context to signal all workers to stop
	cancel()

	logger.Info("Server stopped gracefully")
}

func newEventHub(cfg config.EventsConfig, logger *slog.Logger) *events.Hub {
	sinks := []events.Sink{events.NewLogSink(logger)}
	if cfg.AMQP.Enabled {
		sink, err := events.NewAMQPSink(events.AMQPConfig{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange})
		if err != nil {
			logger.Error("AMQP event sink disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	return events.NewHub(events.Config{BufferSize: cfg.BufferSize}, logger, sinks...)
}

// activateAppearance applies the configured bundle, or the configured theme
// when no bundle is set. Failures leave the default templates in place.
func activateAppearance(ctx context.Context, cfg config.ThemeConfig, sources []discovery.Source, a *app.App, registry *plugins.Registry, pub events.Publisher, logger *slog.Logger) {
	themes := theme.NewRegistry(pub, logger, sources...)
	bundles := theme.NewBundleRegistry(themes, pub, logger, sources...)
	if _, err := themes.Discover(ctx); err != nil {
		logger.Error("Theme discovery failed", "error", err)
		return
	}
	if _, err := bundles.Discover(ctx); err != nil {
		logger.Error("Bundle discovery failed", "error", err)
		return
	}

	switch {
	case cfg.Bundle != "":
		result, err := bundles.Activate(ctx, cfg.Bundle, a, registry)
		if err != nil {
			logger.Error("Bundle activation failed", "bundle", cfg.Bundle, "error", err)
			return
		}
		if len(result.MissingRecommended) > 0 {
			logger.Warn("Bundle recommends inactive plugins", "bundle", cfg.Bundle, "plugins", result.MissingRecommended)
		}
	case cfg.Active != "":
		if err := themes.Activate(cfg.Active, a); err != nil {
			logger.Error("Theme activation failed", "theme", cfg.Active, "error", err)
		}
	}
}
