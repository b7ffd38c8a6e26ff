package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smukkama/telemetry-alerts/internal/alerting"
	"github.com/smukkama/telemetry-alerts/internal/channel"
	"github.com/smukkama/telemetry-alerts/internal/database"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/notification"
	"github.com/smukkama/telemetry-alerts/internal/queue"
	"github.com/smukkama/telemetry-alerts/internal/realtime"
	"github.com/smukkama/telemetry-alerts/internal/registry"
	"github.com/smukkama/telemetry-alerts/internal/server"
	"github.com/smukkama/telemetry-alerts/internal/timer"
	"github.com/smukkama/telemetry-alerts/internal/workerpool"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, "notifier")
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	hub := realtime.NewHub(256)
	go hub.Run(ctx)

	email := channel.NewEmailAdapter(
		channel.NewSESProvider(ctx, cfg.SES),
		channel.NewResendProvider(cfg.Resend),
		channel.NewSMTPProvider(cfg.SMTP),
	)

	timerManager := timer.NewTimerManager(cfg.Dispatch.TimerWorkers)
	timerManager.Start()
	defer timerManager.Stop()

	// MarkNotified only touches notification bookkeeping, nothing is published
	alerts := alerting.NewManager(
		alerting.NewRedisStore(redisClient, cfg.Alerting.StateTTL),
		db,
		nil,
		cfg.Alerting.DefaultCooldown,
	)
	sensors := registry.New(nil, db, cfg.Alerting.ConfigCacheTTL, registry.Defaults{
		HysteresisPercent: cfg.Alerting.DefaultHysteresisPercent,
		Cooldown:          cfg.Alerting.DefaultCooldown,
	})

	dispatcher := notification.NewDispatcher(
		db,
		alerts,
		sensors,
		notification.NewRecipientResolver(db, cfg.Dispatch.RecipientCacheTTL),
		timerManager,
		notification.Options{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			Backoff:     notification.NewBackoff(cfg.Dispatch.InitialBackoff, cfg.Dispatch.MaxBackoff, cfg.Dispatch.BackoffFactor),
		},
		email,
		channel.NewSMSAdapter(cfg.SMS),
		channel.NewPushAdapter(hub),
	)

	recovered, err := dispatcher.Recover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover pending retries")
	} else {
		log.Info().Int("retries", recovered).Msg("pending retries rescheduled")
	}

	pool := workerpool.NewKeyedPool("alert-events", cfg.Alerting.Workers, cfg.Kafka.BatchSize)
	pool.Start()
	defer pool.Stop()

	handler := notification.NewEventHandler(dispatcher, pool)

	groupID := cfg.Kafka.ConsumerGroup
	if groupID == "" {
		groupID = "notifier-group"
	}
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, groupID)
	defer consumer.Close()

	batchConsumer := queue.NewBatchConsumer(consumer, handler.HandleBatch, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
	batchConsumer.Start(context.Background())

	mux := server.NewMux(
		server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		server.HealthCheck{Name: "database", Check: db.PingContext},
	)
	mux.Get("/ws", realtime.ServeWS(hub))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Dispatch.WSPort),
		Handler: mux,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	log.Info().
		Str("topic", cfg.Kafka.TopicAlerts).
		Str("group", groupID).
		Int("http_port", cfg.Dispatch.WSPort).
		Msg("notifier is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down gracefully")
	batchConsumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}
