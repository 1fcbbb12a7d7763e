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
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/video-publisher/internal/api/router"
	"github.com/cuongbtq/video-publisher/internal/config"
	"github.com/cuongbtq/video-publisher/internal/worker"
	"github.com/cuongbtq/video-publisher/internal/worker/dispatch"
	"github.com/cuongbtq/video-publisher/internal/worker/metrics"
	"github.com/cuongbtq/video-publisher/internal/worker/notify"
	"github.com/cuongbtq/video-publisher/internal/worker/storage"
	"github.com/cuongbtq/video-publisher/internal/worker/transfer"
	"github.com/cuongbtq/video-publisher/shared/logger"
	"github.com/cuongbtq/video-publisher/shared/objectstore"
	"github.com/cuongbtq/video-publisher/shared/postgresql"
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
	defaultConfigPath := os.Getenv("PUBLISH_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/publish-worker/config.yaml"
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
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	appLogger.Info("Starting publish worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.String("feed", cfg.Feed.Source),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	workerMetrics := metrics.New(registry)

	// Object store for s3:// locators
	var objects *objectstore.Client
	fetcherOpts := []transfer.Option{}
	if cfg.MinIO.Enabled {
		objects, err = objectstore.New(&objectstore.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Region:    cfg.MinIO.Region,
			UseSSL:    cfg.MinIO.UseSSL,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize object store: %w", err)
		}
		fetcherOpts = append(fetcherOpts, transfer.WithObjectStore(objects))
	}

	// Brokers and reporters
	res := &resources{logger: appLogger.Logger}
	defer res.Close()

	reporter, err := initReporter(cfg, workerID, appLogger.Logger, res)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	onIncident := worker.Incidents(reporter, workerMetrics)
	res.onIncident = onIncident

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	subscription, err := initSubscription(cfg, workerID, dbClient, store, appLogger.Logger, onIncident, res)
	if err != nil {
		return fmt.Errorf("failed to initialize change feed: %w", err)
	}

	fetcher := transfer.NewFetcher(transfer.Config{
		WorkDir:       cfg.Worker.WorkDir,
		HTTPTimeout:   cfg.Worker.HTTPTimeout,
		FileExtension: cfg.Worker.FileExtension,
	}, appLogger.Logger, fetcherOpts...)

	uploader := dispatch.NewExecUploader(dispatch.ExecConfig{
		Command: cfg.Uploader.Command,
		Args:    cfg.Uploader.Args,
		Dir:     cfg.Uploader.Dir,
		Env:     cfg.Uploader.Env,
	}, appLogger.Logger)

	dispatcher := dispatch.NewDispatcher(uploader, dispatch.Config{
		Language:           cfg.Dispatch.Language,
		Playlist:           cfg.Dispatch.Playlist,
		UploadAsDraft:      cfg.Dispatch.UploadAsDraft,
		IsAgeRestriction:   cfg.Dispatch.IsAgeRestriction,
		IsNotForKid:        cfg.Dispatch.IsNotForKid,
		IsChannelMonetized: cfg.Dispatch.IsChannelMonetized,
		SkipProcessingWait: cfg.Dispatch.SkipProcessingWait,
		ConfirmTimeout:     cfg.Dispatch.ConfirmTimeout,
		Launch: dispatch.Options{
			Headless:    cfg.Dispatch.Headless,
			BrowserArgs: cfg.Dispatch.BrowserArgs,
		},
	}, appLogger.Logger, workerMetrics)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:          appLogger.Logger,
		WorkerID:        workerID,
		Subscription:    subscription,
		Store:           store,
		Fetcher:         fetcher,
		Dispatcher:      dispatcher,
		Reporter:        reporter,
		Metrics:         workerMetrics,
		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      cfg.Worker.JobTimeout,
		RecordTimeout:   cfg.Worker.RecordTimeout,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		Resubscribe: worker.ResubscribePolicy{
			MaxAttempts:    cfg.Worker.Resubscribe.MaxAttempts,
			InitialBackoff: cfg.Worker.Resubscribe.InitialBackoff,
			MaxBackoff:     cfg.Worker.Resubscribe.MaxBackoff,
		},
	})

	// Ops endpoints
	var opsServer *http.Server
	if cfg.Ops.Enabled {
		opsServer = startOpsServer(cfg, registry, dbClient, objects, appLogger.Logger)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	appLogger.Info("Publish worker started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr != nil {
			appLogger.Error("Worker error",
				slog.String("error", runErr.Error()),
			)
		}
	}

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Ops server forced to shutdown", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	appLogger.Info("Publish worker shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      "publish-worker",
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
		dbConfig.ApplicationName = "publish-worker"
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initReporter builds the outcome reporter: always the log, plus the
// configured broker reporters
func initReporter(cfg *config.Config, workerID string, logger *slog.Logger, res *resources) (notify.Reporter, error) {
	reporters := notify.Multi{notify.NewLogReporter(logger)}

	if cfg.Notify.RabbitMQ.Enabled {
		rabbitCfg := rabbitMQConfig(&cfg.RabbitMQ)
		rabbitCfg.ExchangeName = cfg.Notify.RabbitMQ.Exchange
		rabbitCfg.ExchangeType = cfg.Notify.RabbitMQ.ExchangeType
		rabbitCfg.QueueName = ""
		rabbitCfg.RoutingKey = ""

		client, err := res.rabbitMQ(rabbitCfg)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, notify.NewRabbitMQReporter(client, cfg.Notify.RabbitMQ.RoutingPrefix, workerID, logger))
	}

	if cfg.Notify.NATS.Enabled {
		conn, err := res.nats(&cfg.NATS)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, notify.NewNATSReporter(conn, cfg.Notify.NATS.SubjectPrefix, workerID, logger))
	}

	return reporters, nil
}

// startOpsServer serves health, readiness and metrics on the ops port
func startOpsServer(cfg *config.Config, registry *prometheus.Registry, dbClient *postgresql.Client, objects *objectstore.Client, logger *slog.Logger) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.SetupOpsRouter(&router.OpsDependencies{
		Ready: func(ctx context.Context) error {
			if err := dbClient.HealthCheck(ctx); err != nil {
				return err
			}
			if objects != nil {
				return objects.HealthCheck(ctx)
			}
			return nil
		},
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	addr := fmt.Sprintf(":%d", cfg.Ops.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed",
				slog.String("error", err.Error()),
			)
		}
	}()

	logger.Info("Ops server listening", slog.String("address", addr))
	return srv
}
