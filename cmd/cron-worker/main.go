package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/chatrelay/internal/cron"
	"github.com/angelmondragon/chatrelay/pkg/config"
	"github.com/angelmondragon/chatrelay/pkg/db"
	"github.com/angelmondragon/chatrelay/pkg/inbox"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
	"github.com/angelmondragon/chatrelay/pkg/migrate"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
	"github.com/angelmondragon/chatrelay/pkg/redis"
	"github.com/angelmondragon/chatrelay/pkg/retry"
	"github.com/angelmondragon/chatrelay/pkg/server"
)

const lockName = "cron-worker:%s"

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

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
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

	lock, closeLock, err := buildLock(cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}
	defer closeLock()

	registry := prometheus.NewRegistry()
	jobMetrics := metrics.NewCronJobMetrics(registry)
	queueMetrics := metrics.NewQueueMetrics(registry)

	inboxService, err := inbox.NewService(inbox.ServiceParams{
		Repository:  inbox.NewRepository(dbClient.DB()),
		Logger:      logg,
		MaxAttempts: cfg.Inbox.MaxAttempts,
		Backoff:     retry.Backoff{Base: cfg.Inbox.RetryBaseDelay, Max: cfg.Inbox.RetryMaxDelay},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox service", err)
		os.Exit(1)
	}
	outboxService, err := outbox.NewService(outbox.ServiceParams{
		Repository:  outbox.NewRepository(dbClient.DB()),
		Logger:      logg,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Backoff:     retry.Backoff{Base: cfg.Outbox.RetryBaseDelay, Max: cfg.Outbox.RetryMaxDelay},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox service", err)
		os.Exit(1)
	}

	jobs, err := buildJobs(cfg, logg, queueMetrics, inboxService, outboxService)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: jobs,
		Lock:     lock,
		Metrics:  jobMetrics,
		Interval: cfg.Sweep.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	group.Go(func() error {
		return server.Run(groupCtx, server.New(cfg.Metrics.Addr, mux), logg, 0)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildLock prefers a Redis lock so several replicas can run safely; without
// Redis only one replica may run.
func buildLock(cfg *config.Config, logg *logger.Logger) (cron.Lock, func(), error) {
	if !cfg.Redis.Enabled() {
		logg.Warn(context.Background(), "redis not configured, using in-process cron lock; run a single replica")
		return &cron.LocalLock{}, func() {}, nil
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockKey(cfg.App.Env)), cfg.Sweep.LockTTL)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return lock, closeFn, nil
}

func buildJobs(cfg *config.Config, logg *logger.Logger, queueMetrics *metrics.QueueMetrics, inboxService *inbox.Service, outboxService *outbox.Service) (*cron.Registry, error) {
	registry := cron.NewRegistry()

	sweep, err := cron.NewTimeoutSweepJob(cron.TimeoutSweepJobParams{
		Logger: logg,
		Targets: []cron.SweepTarget{
			{Queue: metrics.QueueInbox, Recoverer: inboxService},
			{Queue: metrics.QueueOutbox, Recoverer: outboxService},
		},
		ProcessingTimeout: cfg.Sweep.ProcessingTimeout,
		Metrics:           queueMetrics,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Register(sweep); err != nil {
		return nil, err
	}

	if cfg.Sweep.Retention > 0 {
		retention, err := cron.NewRetentionJob(cron.RetentionJobParams{
			Logger: logg,
			Targets: []cron.RetentionTarget{
				{Queue: metrics.QueueInbox, Purger: inboxService},
				{Queue: metrics.QueueOutbox, Purger: outboxService},
			},
			Retention: cfg.Sweep.Retention,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(retention); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockName, env)
}
