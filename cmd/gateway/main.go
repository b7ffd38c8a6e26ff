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
	"github.com/smukkama/telemetry-alerts/internal/admission"
	"github.com/smukkama/telemetry-alerts/internal/alerting"
	"github.com/smukkama/telemetry-alerts/internal/auth"
	"github.com/smukkama/telemetry-alerts/internal/connection"
	"github.com/smukkama/telemetry-alerts/internal/database"
	"github.com/smukkama/telemetry-alerts/internal/ingest"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/mqttsub"
	"github.com/smukkama/telemetry-alerts/internal/queue"
	"github.com/smukkama/telemetry-alerts/internal/ratelimit"
	"github.com/smukkama/telemetry-alerts/internal/registry"
	"github.com/smukkama/telemetry-alerts/internal/server"
	"github.com/smukkama/telemetry-alerts/internal/timer"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, "gateway")
	log := logger.WithComponent("main")

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(context.Background(), "migrations"); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	if cfg.Kafka.CreateTopics {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, cfg.Kafka.NumPartitions, 1); err != nil {
			log.Warn().Err(err).Str("topic", cfg.Kafka.TopicReadings).Msg("topic creation failed, may already exist")
		}
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, cfg.Kafka.NumPartitions, 1); err != nil {
			log.Warn().Err(err).Str("topic", cfg.Kafka.TopicAlerts).Msg("topic creation failed, may already exist")
		}
	}

	readings := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings)
	defer readings.Close()
	alertEvents := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertEvents.Close()

	reg := registry.New(db, db, cfg.Alerting.ConfigCacheTTL, registry.Defaults{
		HysteresisPercent: cfg.Alerting.DefaultHysteresisPercent,
		Cooldown:          cfg.Alerting.DefaultCooldown,
	})

	// unknown device identifiers on HTTP fall back to the per-IP quota
	classifier := ratelimit.NewClassifier(cfg.RateLimit).WithDeviceCheck(func(ctx context.Context, deviceID string) bool {
		d, err := reg.Device(ctx, deviceID)
		return err == nil && d != nil && d.Active
	})
	limiter := ratelimit.NewLimiter(redisClient)

	gateway := ingest.NewGateway(reg, readings)
	gateway.SetDeviceAdmission(func(ctx context.Context, deviceID string) error {
		return limiter.Admit(ctx, classifier.ClassifyDevice(deviceID))
	})

	// operator actions go through the same lifecycle as the alerting service
	alertStore := alerting.NewRedisStore(redisClient, cfg.Alerting.StateTTL)
	alerts := alerting.NewManager(alertStore, db, alertEvents, cfg.Alerting.DefaultCooldown)

	connManager := connection.NewManager(cfg.TCPServer.MaxConnections)
	timerManager := timer.NewTimerManager(4)
	timerManager.Start()
	defer timerManager.Stop()

	socketServer := server.NewSocketServer(&cfg.TCPServer, connManager, timerManager, gateway)
	if err := socketServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start socket server")
	}
	defer socketServer.Stop()

	if cfg.MQTT.Enabled {
		subscriber := mqttsub.NewSubscriber(cfg.MQTT, gateway)
		if err := subscriber.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start mqtt subscriber")
		}
		defer subscriber.Stop()
	}

	router := server.NewRouter(&server.API{
		Gateway:  gateway,
		Alerts:   alerts,
		Active:   alertStore,
		Failures: db,
		Auth:     auth.NewOperatorAuth(cfg.Auth.OperatorJWTSecret),
		Ingest: admission.New(
			admission.BodyLimit(cfg.HTTP.MaxBodyBytes),
			admission.RateLimit(classifier, limiter),
		),
		Operator: admission.New(admission.RateLimit(classifier, limiter)),
		Checks: []server.HealthCheck{
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
			{Name: "database", Check: db.PingContext},
		},
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := connManager.Stats()
			log.Info().
				Int("connections", stats.TotalConnections).
				Int("max_connections", stats.MaxConnections).
				Int("devices", stats.UniqueDevices).
				Int("timers", timerManager.Stats().ScheduledTasks).
				Msg("gateway statistics")
		}
	}()

	log.Info().
		Int("socket_port", cfg.TCPServer.Port).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", cfg.MQTT.Enabled).
		Msg("gateway is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}
