package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/harborview/inspection-be/internal/broker"
	"github.com/harborview/inspection-be/internal/config"
	"github.com/harborview/inspection-be/internal/inspection"
	"github.com/harborview/inspection-be/internal/jobstore"
	"github.com/harborview/inspection-be/internal/photoproc"
	"github.com/harborview/inspection-be/internal/relay"
	"github.com/harborview/inspection-be/internal/vision"
	"github.com/harborview/inspection-be/internal/worker"
	"github.com/harborview/inspection-be/shared/logger"
	"github.com/harborview/inspection-be/shared/postgresql"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger := logger.ForService(initLogger(&cfg.Logging), "worker")

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := dbClient.Migrate("file://migrations"); err != nil {
			dbClient.Close()
			return err
		}
	}

	appLogger.Info("Database connection established")

	// Redis carries the cross-process event relay regardless of the
	// selected queue backend.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	eventRelay := relay.NewRedisRelay(redisClient, cfg.Redis.RelayChannel, appLogger)

	// Initialize the queue backend
	queueBroker, err := initBroker(cfg, redisClient, appLogger)
	if err != nil {
		dbClient.Close()
		redisClient.Close()
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	appLogger.Info("Queue broker connected",
		slog.String("backend", cfg.Broker.Backend),
	)

	jobs := jobstore.NewPostgres(dbClient.GetDB(), eventRelay, appLogger)
	inspections := inspection.NewPostgresStore(dbClient.GetDB())
	analyzer := vision.NewHTTPClient(cfg.Vision.BaseURL, cfg.Vision.Timeout)

	registry := worker.NewRegistry()
	registry.Register(photoproc.NewHandler(inspections, jobs, analyzer, appLogger))

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger,
		Store:       jobs,
		Broker:      queueBroker,
		Registry:    registry,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		queueBroker.Close()
		eventRelay.Close()
		redisClient.Close()
		dbClient.Close()
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) *slog.Logger {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initBroker builds the queue backend selected at startup.
func initBroker(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker.Backend {
	case config.BackendRedis:
		return broker.NewRedisBroker(redisClient, broker.RedisConfig{
			KeyPrefix:         cfg.Redis.QueueKeyPrefix,
			Prefetch:          cfg.Worker.Prefetch,
			VisibilityTimeout: cfg.Redis.VisibilityTimeout,
			ReclaimInterval:   cfg.Redis.ReclaimInterval,
		}, logger), nil
	default:
		return broker.NewRabbit(broker.RabbitConfig{
			Host:                 cfg.RabbitMQ.Host,
			Port:                 cfg.RabbitMQ.Port,
			User:                 cfg.RabbitMQ.User,
			Password:             cfg.RabbitMQ.Password,
			VHost:                cfg.RabbitMQ.VHost,
			Exchange:             cfg.RabbitMQ.Exchange.Name,
			ExchangeType:         cfg.RabbitMQ.Exchange.Type,
			Queue:                cfg.RabbitMQ.Queue.Name,
			RoutingKey:           cfg.RabbitMQ.RoutingKey,
			Prefetch:             cfg.Worker.Prefetch,
			ConnectRetryAttempts: cfg.RabbitMQ.Connection.RetryAttempts,
			ConnectRetryInterval: cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:            cfg.RabbitMQ.Connection.Heartbeat,
			PublishRetries:       cfg.RabbitMQ.Publish.RetryAttempts,
			PublishRetryDelay:    cfg.RabbitMQ.Publish.RetryInterval,
		}, logger)
	}
}
