// Package main is the entry point for the WellPulse notifications API.
//
// It loads configuration from the environment, opens the Postgres pool,
// wires the dispatch pipeline (channel dispatcher behind a circuit
// breaker, CloudWatch metrics when enabled), and serves the notification
// endpoints under /v1/notifications with graceful shutdown on SIGINT and
// SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wellpulse/internal/api/handlers"
	"wellpulse/internal/config"
	"wellpulse/internal/core"
	"wellpulse/internal/db"
	"wellpulse/internal/notifications/dispatch"
	"wellpulse/internal/notifications/reminders"
	"wellpulse/internal/notifications/replies"
	"wellpulse/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly, but its With
// returns *slog.Logger rather than types.Logger, so an adapter is needed.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	typedLogger := &slogAdapter{logger: logger}
	clock := types.RealClock{}

	logger.Info("wellpulse notifications API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
		"channel", cfg.Notifications.Channel,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	settingsRepo := db.NewSettingsRepository(pool)
	dispatchLogRepo := db.NewDispatchLogRepository(pool)

	metrics, err := newMetrics(ctx, cfg, typedLogger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.NewInstrumentedDispatcher(
		newDispatcher(cfg, settingsRepo, typedLogger, clock),
		metrics,
	)

	dispatchSvc := dispatch.NewService(dispatcher, typedLogger)
	reminderSvc := reminders.NewService(
		settingsRepo,
		dispatchLogRepo,
		dispatcher,
		metrics,
		typedLogger,
		clock,
		cfg.Notifications.WorkerBatchSize,
	)
	listener := replies.NewListener(
		settingsRepo,
		dispatchLogRepo,
		dispatcher,
		metrics,
		typedLogger,
		clock,
	)
	listener.SetDefaultCooldown(cfg.Notifications.DefaultCooldown)

	handler := handlers.NewNotificationHandler(
		settingsRepo,
		reminderSvc,
		listener,
		dispatchSvc,
		core.NewValidator(),
		clock,
	)

	router := chi.NewRouter()
	router.Use(core.Recoverer(logger))
	router.Use(core.RequestIDMiddleware)
	router.Use(core.RequestLogger(logger))
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			core.JSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		core.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Route("/v1/notifications", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	return serve(cfg, router, logger)
}

// newPool opens and verifies the Postgres connection pool.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newMetrics returns CloudWatch-backed metrics when enabled, a no-op
// recorder otherwise.
func newMetrics(ctx context.Context, cfg *config.Config, logger types.Logger) (dispatch.Metrics, error) {
	if !cfg.AWS.MetricsEnabled {
		return dispatch.NoopMetrics{}, nil
	}
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return dispatch.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger), nil
}

// newDispatcher selects the delivery channel from configuration and wraps
// it in a circuit breaker so a failing provider sheds load quickly.
func newDispatcher(cfg *config.Config, directory dispatch.EmailDirectory, logger types.Logger, clock types.Clock) dispatch.Dispatcher {
	var inner dispatch.Dispatcher
	switch cfg.Notifications.Channel {
	case "email":
		inner = dispatch.NewResendDispatcher(
			cfg.Email.ResendAPIKey.Unmask(),
			cfg.Email.From(),
			directory,
			logger,
			clock,
		)
	default:
		inner = dispatch.NewLogDispatcher(logger, clock)
	}
	return dispatch.NewBreakerDispatcher(inner, clock)
}

// loadAWSConfig builds the SDK configuration, pointing at a LocalStack
// endpoint when one is configured.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// serve runs the HTTP server until a shutdown signal or server error.
func serve(cfg *config.Config, handler http.Handler, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
