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
	"github.com/renderexpo/studio-backend/internal/artifact"
	"github.com/renderexpo/studio-backend/internal/config"
	"github.com/renderexpo/studio-backend/internal/gate"
	"github.com/renderexpo/studio-backend/internal/jobs"
	"github.com/renderexpo/studio-backend/internal/pipeline"
	"github.com/renderexpo/studio-backend/internal/provider"
	"github.com/renderexpo/studio-backend/internal/runner"
	"github.com/renderexpo/studio-backend/internal/storage"
	"github.com/renderexpo/studio-backend/internal/worker"
	"github.com/renderexpo/studio-backend/shared/database"
	"github.com/renderexpo/studio-backend/shared/logger"
	"github.com/renderexpo/studio-backend/shared/rabbitmq"
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
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	mode, err := gate.ParseMode(cfg.Runtime.Mode)
	if err != nil {
		return err
	}
	execGate := gate.NewExecutionGate(mode)
	if !execGate.GPUCapable() {
		// A control-mode worker fails every heavy stage; still allowed for dry runs.
		appLogger.Warn("Worker is not GPU capable, heavy stages will fail",
			slog.String("runtime_mode", string(mode)),
		)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("runtime_mode", string(mode)),
		slog.String("provider", cfg.Provider.Kind),
	)

	// Initialize job store
	dbClient, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	repo := storage.NewSQLStore(dbClient.GetDB(), appLogger.Logger)
	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = repo.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		return fmt.Errorf("failed to migrate job store: %w", err)
	}

	appLogger.Info("Database connection established")

	store, err := initArtifactStore(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	models, err := cfg.Models.ProviderModels()
	if err != nil {
		return err
	}

	jobService := jobs.NewService(repo, cfg.Validation, store, store, appLogger.Logger)
	registry := runner.NewRegistry(runner.Deps{
		Gate:      execGate,
		Safety:    gate.NewSafetyGate(cfg.Safety.ExtraTerms),
		Provider:  initProvider(&cfg.Provider, models, appLogger.Logger),
		Models:    models,
		Artifacts: store,
		Logger:    appLogger.Logger,
		Bounds:    cfg.Validation.WithDefaults(),
	})
	coordinator := pipeline.NewCoordinator(jobService, registry, cfg.Worker.StageTimeout, appLogger.Logger)

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Source:            rabbitClient,
		Jobs:              jobService,
		Coordinator:       coordinator,
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		LeaseTTL:          cfg.Worker.LeaseTTL,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
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

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

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
		cancel()
		workerInstance.Stop()
		return err
	}

	// Running stages see the cancellation and are recorded as interrupted
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

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

	appLogger.Info("Worker service shutdown complete")
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
	}

	return logger.New(loggerCfg)
}

// initDatabase opens the job store connection for the configured driver
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initArtifactStore opens the output tree, mirrored to S3 when enabled
func initArtifactStore(cfg *config.Config, logger *slog.Logger) (*artifact.Store, error) {
	opts := []artifact.Option{artifact.WithLogger(logger)}
	if cfg.Artifacts.MirrorEnabled {
		mirror, err := artifact.NewS3Mirror(cfg.Artifacts.S3)
		if err != nil {
			return nil, err
		}
		opts = append(opts, artifact.WithMirror(mirror))
		logger.Info("Artifact mirror enabled",
			slog.String("endpoint", cfg.Artifacts.S3.Endpoint),
			slog.String("bucket", cfg.Artifacts.S3.Bucket),
		)
	}
	return artifact.NewStore(cfg.Outputs.Root, cfg.Outputs.UploadsRoot, opts...)
}

// initProvider selects the capability provider
func initProvider(cfg *config.ProviderConfig, models provider.Models, logger *slog.Logger) provider.Provider {
	if cfg.Kind == config.ProviderPlaceholder {
		logger.Warn("Using placeholder provider, artifacts are synthetic")
		return provider.NewPlaceholder()
	}
	return provider.NewHTTPProvider(cfg.BaseURL, cfg.Timeout, models, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
