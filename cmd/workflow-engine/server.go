package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicflow/engine/internal/apierror"
	"github.com/clinicflow/engine/internal/config"
	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/domain/monitoring"
	"github.com/clinicflow/engine/internal/domain/sample"
	"github.com/clinicflow/engine/internal/domain/timeline"
	"github.com/clinicflow/engine/internal/platform/auth"
	"github.com/clinicflow/engine/internal/platform/db"
	"github.com/clinicflow/engine/internal/platform/metrics"
	"github.com/clinicflow/engine/internal/platform/middleware"
	"github.com/clinicflow/engine/internal/platform/telemetry"
)

// newServer wires the engine services and the HTTP adapter on database.
func newServer(cfg *config.Config, database db.DB, m *metrics.Metrics, logger zerolog.Logger) (*echo.Echo, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	recorder := audit.NewRecorder()
	auditRepo := audit.NewRepository(database)
	samples := sample.NewManager(database, sample.NewRepository(database), recorder, m, logger)
	scheduler := monitoring.NewScheduler(database, monitoring.NewRepository(database),
		monitoring.NewAppointmentLookup(database, loc), recorder, m, logger)
	aggregator := timeline.NewAggregator(timeline.NewSources(database), scheduler, samples, m, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierror.HTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health/db", db.HealthHandler(database))
	if cfg.MetricsEnabled && m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	api := e.Group("/api/v1")
	api.Use(middleware.BodyLimit(cfg.BodyLimit))
	api.Use(middleware.RequestTimeout(cfg.TxTimeout))
	if cfg.AuthSigningKey != "" {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set: development auth grants admin to every request")
		api.Use(auth.DevAuthMiddleware())
	}
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	sample.NewHandler(samples).RegisterRoutes(api)
	monitoring.NewHandler(scheduler).RegisterRoutes(api)
	timeline.NewHandler(aggregator).RegisterRoutes(api)
	audit.NewHandler(auditRepo).RegisterRoutes(api)

	return e, nil
}

func runServer(cfg *config.Config, autoMigrate bool) error {
	logger := newLogger(cfg)
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.OTelEndpoint != "",
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    "workflow-engine",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	}()

	database, err := openDB(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	logger.Info().Str("driver", database.Driver()).Msg("connected to database")

	if autoMigrate {
		migrator, err := newMigrator(database)
		if err != nil {
			return err
		}
		count, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Int("applied", count).Msg("migrations applied")
	}

	e, err := newServer(cfg, database, metrics.New(), logger)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
