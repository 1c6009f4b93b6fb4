package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sultanranait/Claraly/internal/config"
	"github.com/sultanranait/Claraly/internal/domain/docquery"
	"github.com/sultanranait/Claraly/internal/domain/medical"
	"github.com/sultanranait/Claraly/internal/domain/user"
	"github.com/sultanranait/Claraly/internal/platform/archive"
	"github.com/sultanranait/Claraly/internal/platform/auth"
	"github.com/sultanranait/Claraly/internal/platform/capture"
	"github.com/sultanranait/Claraly/internal/platform/db"
	"github.com/sultanranait/Claraly/internal/platform/medapi"
	"github.com/sultanranait/Claraly/internal/platform/middleware"
	"github.com/sultanranait/Claraly/internal/platform/retry"
	"github.com/sultanranait/Claraly/internal/platform/telemetry"
	"github.com/sultanranait/Claraly/internal/platform/webhook"
	"github.com/sultanranait/Claraly/internal/platform/websocket"
)

const (
	progressTTL     = time.Hour
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "claraly-server",
		Short:        "Claraly medical dashboard API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(docqueryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// components are the stateful dependencies the router is built from. Stores
// default to in-memory implementations when left nil.
type components struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	users    user.Repository
	events   webhook.EventStore
	progress docquery.ProgressStore
	archive  archive.Archive
	client   *medapi.Client
	health   *db.Health
}

type server struct {
	echo     *echo.Echo
	docquery *docquery.Service
	hub      *websocket.Hub
	metrics  *telemetry.Provider
}

func (s *server) shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if derr := s.docquery.Shutdown(ctx); derr != nil && err == nil {
		err = derr
	}
	s.hub.Close()
	return err
}

func newServer(c components) *server {
	cfg, logger := c.cfg, c.logger
	if c.users == nil {
		c.users = user.NewMemoryRepository()
	}
	if c.events == nil {
		c.events = webhook.NewMemoryStore()
	}
	if c.progress == nil {
		c.progress = docquery.NewMemoryStore()
	}
	if c.archive == nil {
		c.archive = archive.NewLogArchive(logger)
	}
	if c.health == nil {
		c.health = db.NewHealth(c.pool)
	}

	metrics := telemetry.NewProvider()
	reporter := metrics.Reporter(capture.NewLogReporter(logger))
	retrier := retry.New(
		retry.WithPolicy(cfg.RetryPolicy()),
		retry.WithReporter(reporter),
		retry.WithLogger(logger),
	)

	hub := websocket.NewHub(logger)

	dqOpts := []docquery.Option{
		docquery.WithRetrier(retrier),
		docquery.WithPublisher(hub),
		docquery.WithReporter(reporter),
		docquery.WithLogger(logger),
	}
	if cfg.PollInterval > 0 {
		dqOpts = append(dqOpts, docquery.WithPollInterval(cfg.PollInterval))
	}
	dqSvc := docquery.NewService(c.client, c.progress, dqOpts...)

	medSvc := medical.NewService(c.client, retrier, c.archive, logger)

	webhookEvents := metrics.Counter("webhook_events_total", "Webhook deliveries by type and outcome.", "type", "status")
	receiver := webhook.NewReceiver(cfg.MetriportWebhookKey, medical.NewProcessor(medSvc),
		webhook.WithStore(c.events),
		webhook.WithPublisher(hub),
		webhook.WithReporter(reporter),
		webhook.WithLogger(logger),
		webhook.WithObserver(func(eventType string, status webhook.EventStatus) {
			webhookEvents.Inc(eventType, string(status))
		}),
	)

	metrics.GaugeFunc("docquery_active_sessions", "Document queries currently being polled.", func() float64 {
		return float64(dqSvc.ActiveSessions())
	})
	metrics.GaugeFunc("websocket_clients", "Connected websocket clients.", func() float64 {
		return float64(hub.ClientCount())
	})
	metrics.GaugeFunc("medapi_breaker_open", "1 when the medical API circuit breaker is open.", func() float64 {
		if c.client.BreakerState() == "open" {
			return 1
		}
		return 0
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger, reporter))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{HSTS: cfg.IsProduction()}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.RequestTimeout(requestTimeout))

	e.GET("/health", c.health.Handler)
	e.GET("/health/db", db.NewHealth(c.pool).Handler)
	e.GET("/metrics", metrics.PrometheusHandler())

	tokens := auth.NewTokens([]byte(cfg.JWTSecret), cfg.JWTTTL)
	user.NewHandler(user.NewService(c.users, tokens, logger)).RegisterRoutes(e.Group("/user"))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{Tokens: tokens, Skipper: auth.AuthSkipper}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	medical.NewHandler(medSvc).RegisterRoutes(apiV1)
	docquery.NewHandler(dqSvc).RegisterRoutes(apiV1)
	webhook.NewHandler(receiver).RegisterRoutes(e, apiV1)
	websocket.NewHandler(hub, logger, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	return &server{echo: e, docquery: dqSvc, hub: hub, metrics: metrics}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Database
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	health := db.NewHealth(pool)
	comps := components{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		users:  user.NewRepoPG(pool),
		events: webhook.NewPGStore(pool),
		health: health,
		client: medapi.New(cfg.MetriportAPIKey,
			medapi.WithBaseURL(cfg.MedAPIBaseURL()),
			medapi.WithLogger(logger),
		),
	}

	// Progress store
	if cfg.RedisURL != "" {
		rdb, err := docquery.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		comps.progress = docquery.NewRedisStore(rdb, progressTTL)
		health.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Msg("document query progress stored in redis")
	}

	// Consolidated archive
	if cfg.MongoURI != "" {
		arch, err := archive.DialMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to mongo")
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = arch.Close(cctx)
		}()
		comps.archive = arch
		health.Add("mongo", arch.Ping)
		logger.Info().Str("database", cfg.MongoDatabase).Msg("consolidated data archived in mongo")
	}

	srv := newServer(comps)
	logger.Info().Str("medapi", comps.client.BaseURL()).Msg("medical API configured")

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
