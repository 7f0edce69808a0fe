package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sitepulse/sitepulse/internal/aggregate"
	"github.com/sitepulse/sitepulse/internal/alert"
	"github.com/sitepulse/sitepulse/internal/auth"
	"github.com/sitepulse/sitepulse/internal/config"
	"github.com/sitepulse/sitepulse/internal/handler"
	"github.com/sitepulse/sitepulse/internal/ingest"
	"github.com/sitepulse/sitepulse/internal/notify"
	"github.com/sitepulse/sitepulse/internal/producer"
	"github.com/sitepulse/sitepulse/internal/store"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/sitepulse.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	log.Info().Msg("Starting SitePulse...")

	// Postgres holds tenants, API keys and alert rules
	db, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer db.Close()
	log.Info().Msg("Connected to Postgres")

	// Redis backs the API key cache and rate limiting
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// ClickHouse is the event record store
	logs, err := store.NewClickHouseLogStore(cfg.ClickHouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
	}
	defer logs.Close()
	log.Info().Msg("Connected to ClickHouse")

	rules := store.NewPostgresRuleStore(db)
	validator := auth.NewValidator(db, rdb, cfg.RateLimit.RequestsPerSecond)

	classifier := ingest.NewClassifier(cfg.GeoIP.DatabasePath)
	defer classifier.Close()

	engine := aggregate.NewEngine(logs)

	notifier, err := notify.NewSMTPNotifier(cfg.SMTP)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create SMTP notifier")
	}

	kafkaProducer := producer.NewKafkaProducer(cfg.Kafka)
	if kafkaProducer != nil {
		defer kafkaProducer.Close()
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka producer initialized")
	}

	evaluator := alert.NewEvaluator(logs, rules, notifier, log.Logger)
	scheduler := alert.NewScheduler(
		evaluator,
		rules,
		time.Duration(cfg.Alerts.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.Alerts.RuleTimeoutSeconds)*time.Second,
		log.Logger,
	)
	scheduler.Start()
	log.Info().Int("sweep_interval_minutes", cfg.Alerts.SweepIntervalMinutes).Msg("Alert scheduler started")

	api := handler.NewAPI(classifier, logs, rules, engine, validator, kafkaProducer, scheduler)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(handler.CORSMiddleware)

	r.Get("/health", handler.HealthCheck)
	api.Routes(r)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	scheduler.Stop()
	log.Info().Msg("Shutdown complete")
}
