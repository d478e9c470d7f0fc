package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ilyaizen/habistat/internal/cron"
	"github.com/ilyaizen/habistat/internal/dedup"
	"github.com/ilyaizen/habistat/internal/repo"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db"
	"github.com/ilyaizen/habistat/pkg/env"
	"github.com/ilyaizen/habistat/pkg/instance"
	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
	"github.com/ilyaizen/habistat/pkg/migrate"
	"github.com/ilyaizen/habistat/pkg/redis"
)

// metricsAddrEnv optionally exposes the worker's metrics on a side port.
const metricsAddrEnv = "HABISTAT_CRON_METRICS_ADDR"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	reg := prometheus.NewRegistry()
	metricsCollector := metrics.NewCronJobMetrics(reg)

	dedupeJob, err := cron.NewDedupeJob(cron.DedupeJobParams{
		Logger:  logg,
		Sweeper: dedup.NewSweeper(dbClient.DB(), logg),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dedupe job", err)
		os.Exit(1)
	}
	purgeJob, err := cron.NewTombstonePurgeJob(cron.TombstonePurgeJobParams{
		Logger:    logg,
		Tables:    repo.Tables(dbClient.DB()),
		Retention: cfg.Maintenance.TombstoneRetention,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create tombstone purge job", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry()
	registry.Register(dedupeJob, cfg.Maintenance.DedupeInterval)
	registry.Register(purgeJob, cfg.Maintenance.PurgeInterval)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Locks:    cron.RedisLocks(redisClient, cfg.Maintenance.LockTTL),
		Metrics:  metricsCollector,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})

	if addr := env.Get(metricsAddrEnv, ""); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logg.Error(ctx, "metrics listener stopped", err)
			}
		}()
	}

	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
