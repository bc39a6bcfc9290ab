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

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"eventrelay/internal/app/orders"
	"eventrelay/internal/app/payments"
	"eventrelay/internal/config"
	"eventrelay/internal/domain"
	"eventrelay/internal/domain/event"
	"eventrelay/internal/handler/http/ops"
	kafka_handler "eventrelay/internal/handler/kafka"
	"eventrelay/internal/inbox"
	"eventrelay/internal/infrastructure/database"
	"eventrelay/internal/infrastructure/jobqueue"
	kafka_infra "eventrelay/internal/infrastructure/kafka"
	"eventrelay/internal/infrastructure/tracing"
	"eventrelay/internal/outbox"
	postgres_inbox_repo "eventrelay/internal/repository/inbox_repo/postgres"
	postgres_order_repo "eventrelay/internal/repository/order_repo/postgres"
	postgres_outbox_repo "eventrelay/internal/repository/outbox_repo/postgres"
	postgres_payments_repo "eventrelay/internal/repository/payments_repo/postgres"
	"eventrelay/internal/router"
)

const topicPartitions = 3

func main() {
	envFile := pflag.String("env-file", "", "path to a dotenv file loaded before reading the environment")
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading env file: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = appLogger.Sync() }()
	appLogger = appLogger.With(zap.String("service", cfg.ServiceName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatal("Service stopped with error", zap.Error(err))
	}
	appLogger.Info("Service stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zapConfig.Level = lvl
	}
	return zapConfig.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tracing.SetupPropagation()

	db, err := database.ConnectWithRetry(ctx, database.DBConfig{
		Host:     cfg.DBConfig.DBHost,
		Port:     cfg.DBConfig.DBPort,
		User:     cfg.DBConfig.DBUser,
		Password: cfg.DBConfig.DBPassword,
		DBName:   cfg.DBConfig.DBName,
		SSLMode:  cfg.DBConfig.DBSSLMode,
	}, 10, 5*time.Second, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database connection", zap.Error(err))
		}
	}()

	if cfg.MigrationsEnabled {
		if err := database.RunMigrations(cfg.GetDBMigrationConnectionString(), logger); err != nil {
			return err
		}
	}

	brokers := cfg.GetKafkaBrokers()
	if err := kafka_infra.EnsureTopics(ctx, brokers,
		[]string{cfg.OutboxTopic, cfg.ConsumerTopic, cfg.ConsumerDLQTopic}, topicPartitions, logger); err != nil {
		logger.Warn("Failed to ensure Kafka topics, relying on broker auto-creation", zap.Error(err))
	}

	redisClient, err := jobqueue.NewRedisClient(ctx, jobqueue.RedisConfig{
		Addr:     cfg.RedisConfig.Addr,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	producer := kafka_infra.NewProducer(brokers, logger.With(zap.String("component", "KafkaProducer")))
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}()

	uow := database.NewUnitOfWork(db, logger.With(zap.String("component", "UnitOfWork")))
	outboxRepository := postgres_outbox_repo.NewOutboxRepository(db)
	inboxRepository := postgres_inbox_repo.NewInboxRepository(db)
	orderRepository := postgres_order_repo.NewOrderRepository(db)
	paymentRepository := postgres_payments_repo.NewPaymentRepository()

	queue := jobqueue.NewQueue(redisClient, "outbox-publish", logger.With(zap.String("component", "JobQueue")))

	writer := outbox.NewWriter(outboxRepository, queue, cfg.ServiceName, cfg.EventVersion,
		logger.With(zap.String("component", "OutboxWriter")))
	writer.Subscribe(func(ctx context.Context, msg domain.OutboxMessage) {
		writer.SchedulePublishing(ctx, msg.EventID)
	})

	publisher := outbox.NewPublisher(outboxRepository, producer, cfg.OutboxTopic, cfg.Outbox.RetryAttempts,
		logger.With(zap.String("component", "OutboxPublisher")))
	worker := queue.NewWorker(publisher.HandleJob, jobqueue.WorkerOptions{
		Concurrency:  cfg.Outbox.PublisherConcurrency,
		LockDuration: cfg.Outbox.JobLockDuration,
		Backoff:      jobqueue.ExponentialBackoff(cfg.Outbox.RetryBackoffInitial, cfg.Outbox.RetryBackoffMax),
	})

	scheduler := outbox.NewScheduler(outboxRepository, inboxRepository, writer, outbox.SchedulerConfig{
		PendingBatchSize:    cfg.Outbox.PendingBatchSize,
		PendingScanInterval: cfg.Outbox.PendingScanInterval,
		PendingScanMaxAge:   cfg.Outbox.PendingScanMaxAge,
		StuckBatchSize:      cfg.Outbox.StuckBatchSize,
		StuckThreshold:      cfg.Outbox.StuckThreshold,
		StuckSweepInterval:  cfg.Outbox.StuckSweepInterval,
		RetryAttempts:       cfg.Outbox.RetryAttempts,
		CleanupRetention:    cfg.Outbox.CleanupRetention,
		CleanupInterval:     cfg.Outbox.CleanupInterval,
		ProcessedRetention:  cfg.Outbox.ProcessedRetention,
	}, logger.With(zap.String("component", "OutboxScheduler")))

	paymentService := payments.NewPaymentService(paymentRepository, logger.With(zap.String("component", "PaymentService")))
	consumer := inbox.NewIdempotentConsumer(cfg.ConsumerGroup, inboxRepository, uow,
		logger.With(zap.String("component", "IdempotentConsumer")))
	consumer.Register(event.TypeOrderCreated, paymentService.HandleOrderCreated)

	batchConsumer := kafka_infra.NewBatchConsumer(kafka_infra.BatchConsumerConfig{
		Brokers:   brokers,
		Topic:     cfg.ConsumerTopic,
		GroupID:   cfg.ConsumerGroup,
		DLQTopic:  cfg.ConsumerDLQTopic,
		BatchSize: cfg.ConsumerBatchSize,
		BatchWait: cfg.ConsumerBatchWait,
	}, kafka_handler.EventMessageHandler(consumer, logger), producer, logger.With(zap.String("component", "KafkaConsumer")))

	orderService := orders.NewOrderService(uow, orderRepository, writer, logger.With(zap.String("component", "OrderService")))

	handler := router.NewRouter(router.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Orders:         orderService,
		Ops: ops.NewHandler(ops.Options{
			DB:         db,
			Outbox:     outboxRepository,
			Queue:      queue,
			Heartbeat:  batchConsumer.LastHeartbeat,
			StaleAfter: cfg.ConsumerStaleAfter,
		}, logger.With(zap.String("component", "OpsHTTPHandler"))),
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer func() {
			if err := batchConsumer.Close(); err != nil {
				logger.Error("Error closing Kafka consumer", zap.Error(err))
			}
		}()
		return batchConsumer.Consume(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
