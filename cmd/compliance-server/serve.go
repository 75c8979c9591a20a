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
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/middleware"
	"github.com/ehr/compliance/internal/platform/security"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the compliance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: unauthenticated requests get admin access")
	}

	rec := metrics.New()
	opts := []security.Option{security.WithMetrics(rec)}

	// Durable audit store
	var healthPool db.Pool
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		sink := hipaa.NewPGSink(pool)
		if err := sink.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, security.WithAuditSink(sink))
		healthPool = pool
	}

	mgr := security.NewManager(cfg.SecurityConfig(), logger, opts...)
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	if cfg.RBACPolicyFile != "" {
		watcher, err := watchPolicy(ctx, mgr, cfg.RBACPolicyFile, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	e := newServer(cfg, logger, mgr, rec, healthPool)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpErr := e.Shutdown(shutdownCtx)
	secErr := mgr.Shutdown(shutdownCtx)
	if err := errors.Join(httpErr, secErr); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// watchPolicy applies the RBAC policy file and reloads it on change.
func watchPolicy(ctx context.Context, mgr *security.Manager, path string, logger zerolog.Logger) (*auth.PolicyWatcher, error) {
	reload := func() error {
		return auth.ApplyPolicyFile(mgr.RBAC(), mgr.CareTeam(), path)
	}
	if err := reload(); err != nil {
		return nil, err
	}
	logger.Info().Str("path", path).Msg("rbac policy loaded")

	watcher, err := auth.NewPolicyWatcher(path, reload, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("policy watcher stopped")
		}
	}()
	return watcher, nil
}

// newServer wires middleware and routes. pool may be nil when no database
// is configured.
func newServer(cfg *config.Config, logger zerolog.Logger, mgr *security.Manager, rec *metrics.Recorder, pool db.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(rec))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.SessionHeader},
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		e.Use(auth.DevAuthMiddleware())
	default:
		jwtCfg := auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			JWKSURL:     cfg.AuthJWKSURL,
			Revocations: mgr.Revocations(),
			Skipper:     auth.AuthSkipper,
		}
		if cfg.AuthJWKSURL == "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		h := mgr.HealthCheck()
		status := http.StatusOK
		if h.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, h)
	})
	e.GET("/health/db", db.HealthHandler(pool, 5*time.Second))
	e.GET("/metrics", echo.WrapHandler(rec.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	apiV1.Use(middleware.Session(mgr, logger, auth.AuthSkipper))
	apiV1.Use(middleware.Audit(logger, mgr))

	security.NewHandler(mgr, rec).RegisterRoutes(apiV1.Group("/security"))
	return e
}
