/**
 * @description
 * This is the main entry point for the BadBank API. It loads the configuration,
 * opens the store, connects the optional Redis and RabbitMQ backends, wires the
 * application service into the HTTP router and runs until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: .env loading for local development.
 * - github.com/redis/go-redis/v9: shared token revocation and login rate limiting.
 * - pkg/rabbitmq: domain event publishing and the audit consumer.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fabio-anzola/websec-BadBank/internal/api"
	"github.com/fabio-anzola/websec-BadBank/internal/app"
	"github.com/fabio-anzola/websec-BadBank/internal/auth"
	"github.com/fabio-anzola/websec-BadBank/internal/config"
	"github.com/fabio-anzola/websec-BadBank/internal/store"
	ratelimit "github.com/fabio-anzola/websec-BadBank/pkg/middleware"
	"github.com/fabio-anzola/websec-BadBank/pkg/rabbitmq"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "component", "bootstrap", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "component", "bootstrap", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	var (
		revocations  auth.RevocationStore
		sweeper      app.RevocationSweeper
		loginLimiter ratelimit.Limiter
	)
	if redisClient := connectRedis(ctx, cfg.RedisURL, logger); redisClient != nil {
		defer redisClient.Close()
		revocations = auth.NewRedisRevocationStore(redisClient, cfg.RedisKeyPrefix)
		loginLimiter = ratelimit.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix, cfg.LoginRateLimitPerMinute, time.Minute)
	} else {
		memory := auth.NewMemoryRevocationStore()
		revocations = memory
		sweeper = memory

		limiter := ratelimit.NewRateLimiter(cfg.LoginRateLimitPerMinute, time.Minute)
		defer limiter.Stop()
		loginLimiter = limiter
	}

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL(), revocations)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", err)
		} else {
			defer producer.Close()
			publisher = producer
			logger.Info("rabbitmq producer connected", "component", "bootstrap", "exchange", cfg.EventsExchange)
		}
	} else {
		logger.Info("RABBITMQ_URL not set; domain events are dropped", "component", "bootstrap")
	}

	service := app.NewService(repo, tokens, publisher, logger.With("component", "service"), app.Options{
		OpeningBalance: cfg.OpeningBalance,
		Version:        version,
	})

	if cfg.BootstrapAdminUsername != "" {
		if err := service.EnsureAdmin(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword, cfg.BootstrapAdminEmail); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	if cfg.AuditConsumerEnabled {
		consumer, err := startAuditConsumer(ctx, cfg, repo, logger)
		if err != nil {
			return fmt.Errorf("audit consumer: %w", err)
		}
		defer consumer.Close()
	}

	scheduler := app.NewScheduler(app.NewJobs(sweeper, logger.With("component", "jobs")), logger.With("component", "scheduler"), cfg.RevocationSweepSchedule)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { <-scheduler.Stop().Done() }()

	router := api.NewRouter(api.NewHandlers(service, logger.With("component", "api")), api.RouterOptions{
		Authenticator:  service,
		LoginLimiter:   loginLimiter,
		RequestTimeout: cfg.RequestTimeout(),
		AllowedOrigins: cfg.AllowedOrigins(),
		TrustedProxies: cfg.TrustedProxies(),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr, "store_driver", repo.Driver(), "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining connections", "component", "http")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped gracefully", "component", "http")
	return nil
}

// connectRedis returns a connected client, or nil when Redis is not configured
// or unreachable. The caller falls back to in-memory state in that case.
func connectRedis(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if redisURL == "" {
		logger.Info("REDIS_URL not set; using in-memory revocations and rate limiting", "component", "bootstrap")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-memory state", "component", "bootstrap", "error", err)
		return nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-memory state", "component", "bootstrap", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}

// startAuditConsumer binds the audit queue to every bank event and records
// them until ctx is cancelled.
func startAuditConsumer(ctx context.Context, cfg config.Config, repo store.AuditRepository, logger *slog.Logger) (*rabbitmq.Consumer, error) {
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("AUDIT_CONSUMER_ENABLED requires RABBITMQ_URL")
	}
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		return nil, err
	}

	handler := app.NewAuditEventHandler(repo, logger.With("component", "audit"))
	go func() {
		if err := consumer.Consume(ctx, cfg.EventsExchange, cfg.AuditQueue, "#", handler.HandleBankEvent); err != nil && ctx.Err() == nil {
			logger.Error("audit consumer stopped", "component", "audit", "error", err)
		}
	}()
	logger.Info("audit consumer started", "component", "bootstrap", "queue", cfg.AuditQueue)
	return consumer, nil
}
