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

	"github.com/cuongbtq/campaign-worker/internal/api/handler"
	"github.com/cuongbtq/campaign-worker/internal/api/router"
	"github.com/cuongbtq/campaign-worker/internal/config"
	"github.com/cuongbtq/campaign-worker/internal/worker"
	"github.com/cuongbtq/campaign-worker/internal/worker/storage"
	"github.com/cuongbtq/campaign-worker/shared/logger"
	"github.com/cuongbtq/campaign-worker/shared/postgresql"
	"github.com/cuongbtq/campaign-worker/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const defaultConfigPath = "configs/campaign-worker/config.yaml"

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
	configDefault := os.Getenv("CAMPAIGN_WORKER_CONFIG_PATH")
	if configDefault == "" {
		configDefault = defaultConfigPath
	}
	configPath := flag.String("config", configDefault, "Path to configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath, configDefault == defaultConfigPath && !flagSet("config"))
	if err != nil {
		return err
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workerID := newWorkerID()
	workerLogger := appLogger.With(slog.String("worker_id", workerID)).Logger

	workerLogger.Info("Starting campaign worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("generator_url", cfg.Generator.URL),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := worker.NewMetrics(registry)

	// Dead-letter store is optional
	var (
		dbClient    *postgresql.Client
		deadLetters *storage.Storage
	)
	if cfg.DeadLetter.Enabled {
		dbClient, deadLetters, err = initDeadLetters(&cfg.Database, workerLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize dead-letter store: %w", err)
		}
		defer dbClient.Close()
	}

	broker := rabbitmq.NewManager(&rabbitmq.Config{
		URL:               cfg.RabbitMQ.URL,
		InboundQueue:      cfg.RabbitMQ.InboundQueue,
		OutboundQueue:     cfg.RabbitMQ.OutboundQueue,
		PrefetchCount:     cfg.RabbitMQ.PrefetchCount,
		ConsumerTag:       workerID,
		Heartbeat:         cfg.RabbitMQ.Heartbeat,
		ConnectionTimeout: cfg.RabbitMQ.ConnectionTimeout,
		ConnectRetry:      cfg.RabbitMQ.Connect.Options(),
	}, workerLogger, nil)

	delegator := worker.NewDelegator(worker.DelegatorConfig{
		BaseURL:        cfg.Generator.URL,
		RequestTimeout: cfg.Generator.RequestTimeout,
		Retry:          cfg.Generator.Retry.Options(),
		RateLimit:      cfg.Generator.RateLimit,
		RateBurst:      cfg.Generator.RateBurst,
	}, nil, metrics, workerLogger)

	publisher := worker.NewPublisher(broker, broker.OutboundQueue(), cfg.RabbitMQ.Publish.Options(), metrics, workerLogger)

	workerCfg := &worker.Config{
		Logger:              workerLogger,
		Metrics:             metrics,
		Broker:              broker,
		Delegator:           delegator,
		Publisher:           publisher,
		WorkerID:            workerID,
		HealthCheckInterval: cfg.Worker.HealthCheckInterval,
	}
	if deadLetters != nil {
		workerCfg.DeadLetters = deadLetters
	}
	workerInstance := worker.NewWorker(workerCfg)

	// Probe server
	var srv *http.Server
	if cfg.Server.Port != 0 {
		deps := &handler.Dependencies{
			Logger:      workerLogger,
			ServiceName: cfg.App.Name,
			WorkerID:    workerID,
			Broker:      broker,
			Gatherer:    registry,
		}
		if dbClient != nil {
			deps.Database = dbClient
			deps.DeadLetters = deadLetters
		}
		srv = startProbeServer(&cfg.Server, cfg.App.Environment, deps, workerLogger)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		workerLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			workerLogger.Error("Worker error",
				slog.Any("error", err),
			)
			runErr = err
		}
	}

	// Stop consuming; in-flight jobs keep running on detached contexts
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := workerInstance.Stop(shutdownCtx); err != nil {
		workerLogger.Error("Failed to stop worker cleanly",
			slog.Any("error", err),
		)
	}

	if srv != nil {
		serverCtx, serverCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer serverCancel()
		if err := srv.Shutdown(serverCtx); err != nil {
			workerLogger.Error("Probe server forced to shutdown",
				slog.Any("error", err),
			)
		}
	}

	workerLogger.Info("Campaign worker shutdown complete")
	return runErr
}

// loadConfig reads the file, applies environment overrides and validates.
// A missing file is tolerated only when the default path was not overridden.
func loadConfig(path string, optional bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !optional || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		log.Printf("Config file %s not found, using defaults and environment", path)
		cfg = config.Default()
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "campaign-worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initDeadLetters connects to PostgreSQL and prepares the dead-letter table
func initDeadLetters(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, *storage.Storage, error) {
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
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := postgresql.NewClient(ctx, dbConfig, logger)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStorage(client.GetDB(), logger)
	if err := store.EnsureSchema(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}

	return client, store, nil
}

// startProbeServer serves /health and /metrics in the background
func startProbeServer(cfg *config.ServerConfig, environment string, deps *handler.Dependencies, logger *slog.Logger) *http.Server {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.SetupRouter(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Probe server failed",
				slog.Any("error", err),
			)
		}
	}()

	logger.Info("Probe server listening",
		slog.String("address", addr),
	)

	return srv
}
