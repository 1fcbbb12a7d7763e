package main

import (
	"context"
	"errors"
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

	"github.com/cuongbtq/video-publisher/internal/api/handler"
	"github.com/cuongbtq/video-publisher/internal/api/router"
	"github.com/cuongbtq/video-publisher/internal/api/storage"
	"github.com/cuongbtq/video-publisher/internal/config"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
	"github.com/cuongbtq/video-publisher/shared/logger"
	"github.com/cuongbtq/video-publisher/shared/natsclient"
	"github.com/cuongbtq/video-publisher/shared/postgresql"
	"github.com/cuongbtq/video-publisher/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("PUBLISH_ADMIN_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/publish-admin/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAdminConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting publish admin",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("feed", cfg.Feed.Source),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize the emitter that re-injects retried requests into the feed
	emitter, closeEmitter, err := initEmitter(cfg, dbClient, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize feed emitter: %w", err)
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, dbClient, emitter, cfg.Worker.StaleAfter)

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
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Publish admin is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Cleanup function to close all resources
	cleanup := func() {
		closeEmitter()
		if dbClient != nil {
			dbClient.Close()
		}
	}
	defer cleanup()

	select {
	case <-quit:
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		return err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.String("error", err.Error()),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      "publish-admin",
	}

	return logger.New(loggerCfg)
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
		ApplicationName: cfg.ApplicationName,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryInterval:   cfg.RetryInterval,
	}
	if dbConfig.ApplicationName == "" {
		dbConfig.ApplicationName = "publish-admin"
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initEmitter builds the feed emitter matching feed.source. The returned
// func closes any broker connection it opened.
func initEmitter(cfg *config.Config, dbClient *postgresql.Client, logger *slog.Logger) (feed.Emitter, func(), error) {
	switch cfg.Feed.Source {
	case config.FeedPostgres:
		return feed.NewPostgresEmitter(dbClient.GetDB(), cfg.Feed.Postgres.Channel, cfg.Feed.Table), func() {}, nil

	case config.FeedRabbitMQ:
		client, err := rabbitmq.NewClient(&rabbitmq.Config{
			Host:               cfg.RabbitMQ.Host,
			Port:               cfg.RabbitMQ.Port,
			User:               cfg.RabbitMQ.User,
			Password:           cfg.RabbitMQ.Password,
			VHost:              cfg.RabbitMQ.VHost,
			ExchangeName:       cfg.RabbitMQ.Exchange.Name,
			ExchangeType:       cfg.RabbitMQ.Exchange.Type,
			ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
			ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
			QueueName:          cfg.RabbitMQ.Queue.Name,
			QueueDurable:       cfg.RabbitMQ.Queue.Durable,
			QueueAutoDelete:    cfg.RabbitMQ.Queue.AutoDelete,
			QueueExclusive:     cfg.RabbitMQ.Queue.Exclusive,
			RoutingKey:         cfg.RabbitMQ.RoutingKey,
			RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
			ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
			PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
			PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
			PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close RabbitMQ client", slog.String("error", err.Error()))
			}
		}
		return feed.NewRabbitMQEmitter(client, cfg.Feed.Table), closeFn, nil

	case config.FeedNATS:
		conn, err := natsclient.Connect(&natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
			Timeout:       cfg.NATS.Timeout,
		}, logger, natsclient.Hooks{})
		if err != nil {
			return nil, nil, err
		}
		return feed.NewNATSEmitter(conn, cfg.NATS.Subject, cfg.Feed.Table), conn.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, dbClient *postgresql.Client, emitter feed.Emitter, staleAfter time.Duration) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:  logger,
		Storage: storage.NewStorage(dbClient.GetDB(), staleAfter),
		Emitter: emitter,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
