package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/chatrelay/internal/dispatch"
	"github.com/angelmondragon/chatrelay/internal/interactions"
	"github.com/angelmondragon/chatrelay/internal/notify"
	"github.com/angelmondragon/chatrelay/pkg/chat"
	"github.com/angelmondragon/chatrelay/pkg/config"
	"github.com/angelmondragon/chatrelay/pkg/db"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/inbox"
	"github.com/angelmondragon/chatrelay/pkg/instance"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
	"github.com/angelmondragon/chatrelay/pkg/migrate"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
	"github.com/angelmondragon/chatrelay/pkg/retry"
	"github.com/angelmondragon/chatrelay/pkg/server"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	if strings.TrimSpace(cfg.Chat.BotToken) == "" {
		logg.Error(context.Background(), "missing chat bot token", errors.New(config.EnvChatBotToken+" is required"))
		os.Exit(1)
	}

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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
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

	handlers, err := buildInteractionRegistry(outboxService, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to register interaction handlers", err)
		os.Exit(1)
	}

	inboxWorker, err := dispatch.NewInboxWorker(dispatch.InboxWorkerParams{
		Queue:          inboxService,
		Handler:        handlers,
		Types:          handlers.Types(),
		BatchSize:      cfg.Inbox.BatchSize,
		HandlerTimeout: cfg.Inbox.HandlerTimeout,
		Logger:         logg,
		Metrics:        queueMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox worker", err)
		os.Exit(1)
	}

	chatClient, err := chat.NewClient(
		chat.StaticToken(cfg.Chat.BotToken),
		chat.WithBaseURL(cfg.Chat.BaseURL),
		chat.WithTimeout(cfg.Chat.Timeout),
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create chat client", err)
		os.Exit(1)
	}
	notifier, err := notify.NewChatNotifier(chatClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create chat notifier", err)
		os.Exit(1)
	}

	outboxWorker, err := dispatch.NewOutboxWorker(dispatch.OutboxWorkerParams{
		Queue:           outboxService,
		Notifier:        notifier,
		BatchSize:       cfg.Outbox.BatchSize,
		DispatchTimeout: cfg.Outbox.DispatchTimeout,
		Logger:          logg,
		Metrics:         queueMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox worker", err)
		os.Exit(1)
	}

	inboxLoop, err := dispatch.NewLoop(dispatch.LoopParams{
		Name:     metrics.QueueInbox,
		Poller:   inboxWorker,
		Logger:   logg,
		Interval: time.Duration(cfg.Inbox.PollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox loop", err)
		os.Exit(1)
	}
	outboxLoop, err := dispatch.NewLoop(dispatch.LoopParams{
		Name:     metrics.QueueOutbox,
		Poller:   outboxWorker,
		Logger:   logg,
		Interval: time.Duration(cfg.Outbox.PollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox loop", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	service, err := NewService(ServiceParams{
		Logger: logg,
		DB:     dbClient,
		Loops: map[string]runner{
			metrics.QueueInbox:  inboxLoop,
			metrics.QueueOutbox: outboxLoop,
		},
		MetricsServer: server.New(cfg.Metrics.Addr, mux),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

// buildInteractionRegistry acknowledges every known interaction type with an
// ephemeral reply.
func buildInteractionRegistry(out *outbox.Service, logg *logger.Logger) (*interactions.Registry, error) {
	ack, err := interactions.NewAckHandler(out, logg)
	if err != nil {
		return nil, err
	}
	registry := interactions.NewRegistry()
	for _, interactionType := range enums.InteractionTypes() {
		if err := registry.Register(interactionType, ack); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
