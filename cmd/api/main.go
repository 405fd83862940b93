package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/chatrelay/api/routes"
	"github.com/angelmondragon/chatrelay/internal/notify"
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

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	} else {
		logg.Warn(context.Background(), "redis not configured, intake rate limiting disabled")
	}

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

	notifyService, err := notify.NewService(notify.ServiceParams{
		Outbox: outboxService,
		Logger: logg,
		Window: cfg.Batching.Window,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notification service", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler := routes.NewRouter(routes.Dependencies{
		Config:         cfg,
		Logger:         logg,
		DB:             dbClient,
		Redis:          redisClient,
		Inbox:          inboxService,
		Outbox:         outboxService,
		Notifications:  notifyService,
		HTTPMetrics:    metrics.NewHTTPMetrics(registry),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting api server")

	if err := server.Run(ctx, server.New(addr, handler), logg, 0); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}

	// Debounced notifications still in memory go to the outbox before exit.
	if err := notifyService.Flush(context.WithoutCancel(ctx)); err != nil {
		logg.Error(ctx, "failed to flush buffered notifications", err)
	}
	notifyService.Close()

	logg.Info(ctx, "api server shutting down gracefully")
}
