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
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/async-executor/internal/api/handler"
	"github.com/cuongbtq/async-executor/internal/api/router"
	"github.com/cuongbtq/async-executor/internal/config"
	"github.com/cuongbtq/async-executor/internal/executor"
	"github.com/cuongbtq/async-executor/internal/executor/relay"
	"github.com/cuongbtq/async-executor/internal/executor/storage"
	"github.com/cuongbtq/async-executor/shared/logger"
	"github.com/cuongbtq/async-executor/shared/postgresql"
	"github.com/cuongbtq/async-executor/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.RunMigrations {
		if err := dbClient.Migrate(context.Background(), storage.Migrations, storage.MigrationsDir); err != nil {
			return err
		}
	}

	relayClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Relay, appLogger.Component("relay"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ relay: %w", err)
	}
	defer relayClient.Close()

	brokers := map[string]handler.BrokerHealth{"relay": relayClient}

	store := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Component("store"))

	opts := []executor.Option{executor.WithLogger(appLogger.Component("executor"))}
	if cfg.RabbitMQ.EventsRoutingKey != "" {
		opts = append(opts, executor.WithNotifier(relay.NewNotifier(relayClient, cfg.RabbitMQ.EventsRoutingKey)))
	}

	exec, err := executor.New(
		cfg.Executor.ToExecutorConfig(),
		store,
		relay.NewHandler(relayClient, appLogger.Component("relay")),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	client := executor.NewClient(store, executor.WithLogger(appLogger.Component("client")))

	var intake *executor.Intake
	if cfg.RabbitMQ.Intake.Enabled {
		intakeClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Intake.EndpointConfig, appLogger.Component("intake"))
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ intake: %w", err)
		}
		defer intakeClient.Close()

		brokers["intake"] = intakeClient
		intake = executor.NewIntake(client, intakeClient, exec.LockOwner(), cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Component("intake"))
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.SetupStatsRouter(&handler.Dependencies{
			Service:  "executor-worker-service",
			Logger:   appLogger.Component("http"),
			Client:   client,
			Database: dbClient,
			Brokers:  brokers,
			Executor: exec,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	appLogger.Info("Worker service started successfully",
		slog.String("lock_owner", exec.LockOwner()),
		slog.String("stats_address", srv.Addr),
		slog.Bool("intake_enabled", intake != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	if intake != nil {
		g.Go(func() error {
			return intake.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stats server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down worker service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Stats server forced to shutdown", slog.Any("error", err))
		}

		// The executor bounds its own drain with ShutdownTimeout.
		return exec.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker service stopped with error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   timeFormat,
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

// initRabbitMQ opens a connection bound to one endpoint (exchange + queue)
func initRabbitMQ(cfg *config.RabbitMQConfig, endpoint config.EndpointConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       endpoint.Exchange.Name,
		ExchangeType:       endpoint.Exchange.Type,
		ExchangeDurable:    endpoint.Exchange.Durable,
		ExchangeAutoDelete: endpoint.Exchange.AutoDelete,
		QueueName:          endpoint.Queue.Name,
		QueueDurable:       endpoint.Queue.Durable,
		QueueAutoDelete:    endpoint.Queue.AutoDelete,
		QueueExclusive:     endpoint.Queue.Exclusive,
		RoutingKey:         endpoint.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
