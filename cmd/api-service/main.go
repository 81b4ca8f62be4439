package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/harborview/inspection-be/internal/api/handler"
	"github.com/harborview/inspection-be/internal/api/router"
	"github.com/harborview/inspection-be/internal/broker"
	"github.com/harborview/inspection-be/internal/config"
	"github.com/harborview/inspection-be/internal/gate"
	"github.com/harborview/inspection-be/internal/jobstore"
	"github.com/harborview/inspection-be/internal/relay"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger := logger.ForService(initLogger(&cfg.Logging), "api")

	appLogger.Info("Starting API service",
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := queueBroker.EnsureTopology(ctx); err != nil {
		dbClient.Close()
		redisClient.Close()
		return fmt.Errorf("failed to declare broker topology: %w", err)
	}

	// Fan relayed job events out to connected SSE clients.
	hub := relay.NewHub()
	if err := eventRelay.Subscribe(ctx, hub.Dispatch); err != nil {
		appLogger.Error("Failed to subscribe to event relay",
			slog.Any("error", err),
		)
	}

	jobs := jobstore.NewPostgres(dbClient.GetDB(), eventRelay, appLogger)

	admission := gate.New(jobs, queueBroker, gate.Config{
		MaxPending: cfg.Gate.MaxPending,
		Priority:   cfg.Gate.Priority,
	}, appLogger)

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger: appLogger,
		Jobs:   jobs,
		Gate:   admission,
		Broker: queueBroker,
		Hub:    hub,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		shutdownCancel()
		cancel()
		queueBroker.Close()
		eventRelay.Close()
		redisClient.Close()
		dbClient.Close()
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
