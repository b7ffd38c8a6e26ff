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
	"github.com/smukkama/telemetry-alerts/internal/database"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/pipeline"
	"github.com/smukkama/telemetry-alerts/internal/queue"
	"github.com/smukkama/telemetry-alerts/internal/registry"
	"github.com/smukkama/telemetry-alerts/internal/server"
	"github.com/smukkama/telemetry-alerts/internal/workerpool"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, "alerting")
	log := logger.WithComponent("main")

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

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	alertEvents := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertEvents.Close()

	sensors := registry.New(nil, db, cfg.Alerting.ConfigCacheTTL, registry.Defaults{
		HysteresisPercent: cfg.Alerting.DefaultHysteresisPercent,
		Cooldown:          cfg.Alerting.DefaultCooldown,
	})
	manager := alerting.NewManager(
		alerting.NewRedisStore(redisClient, cfg.Alerting.StateTTL),
		db,
		alertEvents,
		cfg.Alerting.DefaultCooldown,
	)

	pool := workerpool.NewKeyedPool("readings", cfg.Alerting.Workers, cfg.Kafka.BatchSize)
	pool.Start()
	defer pool.Stop()

	processor := pipeline.NewProcessor(sensors, manager, pool)

	groupID := cfg.Kafka.ConsumerGroup
	if groupID == "" {
		groupID = "alerting-group"
	}
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, groupID)
	defer consumer.Close()

	batchConsumer := queue.NewBatchConsumer(consumer, processor.HandleBatch, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
	batchConsumer.Start(context.Background())

	mux := server.NewMux(
		server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		server.HealthCheck{Name: "database", Check: db.PingContext},
	)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: mux,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	log.Info().
		Str("topic", cfg.Kafka.TopicReadings).
		Str("group", groupID).
		Int("workers", cfg.Alerting.Workers).
		Msg("alerting service is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down gracefully")
	batchConsumer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}
