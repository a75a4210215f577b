package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/internal/config"
	"github.com/careops/worklist/internal/platform/auth"
	"github.com/careops/worklist/internal/platform/fhirclient"
	"github.com/careops/worklist/internal/platform/metrics"
	"github.com/careops/worklist/internal/platform/middleware"
	"github.com/careops/worklist/internal/platform/push"
	wsrelay "github.com/careops/worklist/internal/platform/websocket"
	"github.com/careops/worklist/internal/server"
	"github.com/careops/worklist/internal/sync"
	"github.com/careops/worklist/internal/worklist"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "worklist-server",
		Short: "Clinical worklist gateway",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worklist gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Cache and sync pipeline
	store := cache.NewStore(logger)
	upstream := fhirclient.New(cfg.UpstreamURL, cfg.UpstreamToken, logger)
	coord := sync.NewCoordinator(upstream, store, logger,
		sync.WithPageSize(cfg.PageSize),
		sync.WithMetrics(metrics.NewSync()),
	)
	proj := worklist.NewProjections(store)

	ctx := context.Background()
	if err := coord.LoadAll(ctx); err != nil {
		// Partial loads are survivable. The failed collections keep their
		// error state and can be reloaded over HTTP.
		logger.Warn().Err(err).Msg("initial load incomplete")
	} else {
		logger.Info().Msg("initial load complete")
	}

	// Live updates from upstream, when a feed is configured.
	var listener *sync.Listener
	if cfg.UpstreamWSURL != "" {
		conn, err := push.Dial(ctx, cfg.UpstreamWSURL, cfg.UpstreamToken, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to upstream push feed")
		}
		listener = sync.NewListener(conn, store, logger)
		if err := listener.Init(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to upstream push feed")
		}
		logger.Info().Msg("live updates connected")
	} else {
		logger.Warn().Msg("UPSTREAM_WS_URL not set, live updates disabled")
	}

	// Browser-facing change relay: one ping per store mutation.
	hub := wsrelay.NewHub(logger)
	unsubscribeHub := store.Subscribe(hub.NotifyChanged)
	defer unsubscribeHub()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth mode active, unauthenticated requests allowed")
		e.Use(auth.DevMiddleware())
	} else {
		e.Use(auth.Middleware(auth.Config{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSecret),
		}))
	}

	// API group
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}))

	handler := server.NewHandler(coord, store, proj, logger)
	handler.RegisterRoutes(apiV1)

	wsHandler := wsrelay.NewHandler(hub)
	wsHandler.RegisterRoutes(e.Group(""))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	if listener != nil {
		if err := listener.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing push listener")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
