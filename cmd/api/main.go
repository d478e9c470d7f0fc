package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ilyaizen/habistat/api/routes"
	"github.com/ilyaizen/habistat/internal/remote"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db"
	"github.com/ilyaizen/habistat/pkg/env"
	"github.com/ilyaizen/habistat/pkg/instance"
	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
	"github.com/ilyaizen/habistat/pkg/migrate"
	"github.com/ilyaizen/habistat/pkg/ratelimit"
	"github.com/ilyaizen/habistat/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	syncMetrics := metrics.NewSyncMetrics(reg)

	params := routes.Params{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Store:    remote.NewServer(dbClient.DB()),
		Metrics:  syncMetrics,
		HTTP:     metrics.NewHTTPMetrics(reg),
		Gatherer: reg,
	}

	// Redis backs the rate limiter; without it the API runs unthrottled.
	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	switch {
	case err == nil:
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		limiter, err := ratelimit.NewLimiter(redisClient, cfg.RateLimit.Window)
		if err != nil {
			logg.Error(context.Background(), "failed to create rate limiter", err)
			os.Exit(1)
		}
		params.Redis = redisClient
		params.Limiter = limiter
	case cfg.App.IsProd():
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	default:
		logg.Warn(context.Background(), "redis unavailable, rate limiting disabled")
	}

	addr := ":" + env.Get("PORT", cfg.App.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(params),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server shut down gracefully")
	}
}
