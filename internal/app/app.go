package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	licsqlite "keymint/internal/license/sqlite"
	customMiddleware "keymint/internal/middleware"
	"keymint/internal/services"
	handlers "keymint/internal/transport/http"
)

const Version = "1.0.0"

// Application is the dependency container for the license server.
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	Store          license.Store
	Manager        *license.Manager
	Sweeper        *license.Sweeper
	LicenseService services.LicenseService
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
}

// NewApplication wires configuration, logging, telemetry, storage, and the
// HTTP surface together.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("version", Version),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("addr", cfg.Addr()),
	)

	providers, err := infrastructure.InitializeOTel(
		infrastructure.DefaultOTelConfig("keymint", Version), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := license.NewMetrics(infrastructure.Meter(license.MeterName))
	if err != nil {
		return nil, fmt.Errorf("failed to create license metrics: %w", err)
	}

	manager := license.NewManager(store, logger, license.WithMetrics(metrics))
	sweeper := license.NewSweeper(manager, cfg.License.SweepInterval, logger)

	licenseService, err := services.NewLicenseService(manager, cfg.License.PresentationTimezone, logger)
	if err != nil {
		return nil, err
	}

	app := &Application{
		Config:         cfg,
		Store:          store,
		Manager:        manager,
		Sweeper:        sweeper,
		LicenseService: licenseService,
		Logger:         logger,
		OTelProviders:  providers,
	}
	app.setupRouter()
	app.Server = &http.Server{
		Addr:           cfg.Addr(),
		Handler:        app.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return app, nil
}

func openStore(cfg *config.Config) (license.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := licsqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		return license.NewMemStore(), nil
	}
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
		}))
	}
	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}
	r.Use(chimiddleware.Timeout(a.Config.Server.ReadTimeout))

	healthHandler := handlers.NewHealthHandler(Version, a.Logger)
	r.Get("/healthz", healthHandler.HealthCheck)
	r.Method(http.MethodGet, "/metrics", infrastructure.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.Logger)
		licenseHandler.RegisterRoutes(r)
	})

	a.Router = r
}

// Run starts the server and the expiry sweep and blocks until shutdown.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Sweeper.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}
	a.Sweeper.Stop()
	if err := a.OTelProviders.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("telemetry shutdown: %w", err)
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store close: %w", err)
	}

	a.Logger.Info("shutdown complete")
	return firstErr
}
