package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimerfeng/taskhub/internal/config"
	"github.com/aimerfeng/taskhub/internal/database"
	"github.com/aimerfeng/taskhub/internal/logging"
	"github.com/aimerfeng/taskhub/internal/monitoring"
	"github.com/aimerfeng/taskhub/internal/notify"
	"github.com/aimerfeng/taskhub/internal/ratelimit"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/aimerfeng/taskhub/internal/review/postgres"
	"github.com/aimerfeng/taskhub/internal/server"
	"github.com/aimerfeng/taskhub/internal/settings"
	"github.com/aimerfeng/taskhub/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env, "api")

	log.Info().
		Str("env", cfg.Server.Env).
		Str("name", cfg.Server.Name).
		Msg("Starting taskhub API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(cfg.Database.URL, migrations.FS, "."); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.ConnectAttempts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
		go reportPoolStats(ctx, db.Pool)
	}

	// Change notifications and selection throttling go through redis when
	// several instances share the database
	var (
		bus     notify.Bus
		limiter ratelimit.Limiter
	)
	if cfg.Redis.URL != "" {
		client, err := newRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer client.Close()
		bus = notify.NewRedisBusFromClient(client, logging.NewLogger("notify"))
		if cfg.RateLimit.SelectAttempts > 0 {
			limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimit.SelectAttempts, cfg.RateLimit.Window, logging.NewLogger("ratelimit"))
		}
		log.Info().Msg("Using redis change notifications")
	} else {
		bus = notify.NewHub()
		log.Info().Msg("Using in-process change notifications")
	}

	settingsProvider := settings.NewProvider(
		settings.NewPostgresSource(db.Pool),
		cfg.Review.SettingsCacheTTL,
		logging.NewLogger("settings"),
	)

	reviewConfig := review.DefaultConfig()
	reviewConfig.SelectionLockMinutes = cfg.Review.SelectionLockMinutes
	reviewConfig.GlobalLockMinutes = cfg.Review.GlobalLockMinutes
	reviewConfig.CleanupFailureTripMax = cfg.Review.CleanupFailureTripMax
	reviewConfig.AbandonAfter = cfg.Review.AbandonAfter
	service := review.NewService(postgres.NewStore(db.Pool), settingsProvider, bus, reviewConfig)

	sweeper := review.NewSweeper(service, cfg.Review.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start lock sweeper")
	}
	defer sweeper.Stop()

	srv := server.NewAPIServer(cfg, server.Deps{
		DB:            db.Pool,
		Service:       service,
		Sweeper:       sweeper,
		Subscriber:    bus,
		SelectLimiter: limiter,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		// Profile streams end with the request context
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("url", cfg.Server.URL).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// reportPoolStats exports connection pool usage until ctx ends
func reportPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			monitoring.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))
		}
	}
}
