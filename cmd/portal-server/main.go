package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careconnect/portal/internal/config"
	"github.com/careconnect/portal/internal/domain/messaging"
	"github.com/careconnect/portal/internal/platform/auth"
	"github.com/careconnect/portal/internal/platform/blobstore"
	"github.com/careconnect/portal/internal/platform/db"
	"github.com/careconnect/portal/internal/platform/middleware"
	"github.com/careconnect/portal/internal/platform/realtime"
	"github.com/careconnect/portal/internal/platform/retry"
)

func main() {
	root := &cobra.Command{
		Use:   "portal-server",
		Short: "CareConnect portal messaging server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.AddCommand(migrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "portal-server").Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.NewMigrator(pool, cfg.MigrationsDir).Run(ctx)
		},
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.NewMigrator(pool, cfg.MigrationsDir).Run(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	hub := realtime.NewHub(logger)
	blobs := blobstore.NewMemory(cfg.AttachmentPrefix)
	msgRepo := messaging.NewMessageLogRepoPG(pool, hub)
	profiles := messaging.NewProfileRepoPG(pool)

	svc := messaging.NewService(
		msgRepo,
		auth.ContextProvider{},
		profiles,
		blobs,
		hub,
		logger,
		messaging.WithRetryOptions(
			retry.WithMaxAttempts(cfg.RetryAttempts),
			retry.WithBaseDelay(cfg.RetryBaseDelay),
		),
	)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "X-User-ID"},
	}))
	if cfg.IsDev() {
		e.Use(auth.DevMiddleware())
	}
	if cfg.JWTSigningKey != "" {
		e.Use(auth.Middleware([]byte(cfg.JWTSigningKey)))
	}

	e.GET("/health", db.HealthHandler(pool))

	api := e.Group("/api/v1")
	messaging.NewHandler(svc).RegisterRoutes(api)
	blobstore.NewHandler(blobs).RegisterRoutes(api)
	realtime.NewHandler(hub).RegisterRoutes(api)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	svc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
