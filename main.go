package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"packager/api"
	"packager/config"
	"packager/logging"
	"packager/services"
	"packager/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{})
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.WithComponent(logger, "main")
	log.Info().Msg("starting HLS packaging service")

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}
	log.Info().Msg("connected to Redis")

	s3Svc, err := services.NewS3Service(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise object storage")
	}

	ledger := openLedger(ctx, cfg, log)
	notifier := openNotifier(cfg, logger, log)

	queue := worker.NewRedisQueue(redisClient, cfg.RedisPrefix, cfg.PendingQueue, cfg.ProcessingQueue, cfg.FailedQueue)
	registry := services.NewRegistry(cfg.OutputDir, s3Svc, services.NewRedisLocker(redisClient, cfg.RedisPrefix), cfg.JobLockTTL, logger)
	encoder := services.NewFFmpegService(cfg.FFmpegPath, cfg.FFmpegPreset, logger)
	pipeline := services.NewPipeline(encoder, cfg.Renditions, cfg.RenditionConcurrency, logger)
	publisher := services.NewPublisher(s3Svc, services.PublisherOptions{
		CacheControl: cfg.CacheControl,
		Public:       cfg.S3PublicRead,
		Concurrency:  cfg.UploadConcurrency,
	}, logger)
	catalog := services.NewCatalog(s3Svc, logger)

	pool := worker.NewPool(cfg, worker.Dependencies{
		Queue:     queue,
		Pipeline:  pipeline,
		Publisher: publisher,
		Claims:    registry,
		URLs:      s3Svc,
		Ledger:    ledger,
		Notifier:  notifier,
	}, logger)

	var wg sync.WaitGroup
	workerCtx, cancel := context.WithCancel(context.Background())

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(workerCtx, workerID)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(workerCtx)
	}()

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(api.Dependencies{
		Intake:   api.NewIntake(cfg.UploadDir, cfg.MaxUploadBytes),
		Registry: registry,
		Queue:    queue,
		Catalog:  catalog,
		URLs:     s3Svc,
		Ledger:   ledger,

		OutcomeWait: cfg.JobStaleAfter,
	}, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	renditions := make([]string, 0, len(cfg.Renditions))
	for _, r := range pipeline.Renditions() {
		renditions = append(renditions, r.Name)
	}
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Int("workers", cfg.WorkerCount).
		Strs("renditions", renditions).
		Str("queue", cfg.PendingQueue).
		Str("bucket", cfg.S3Bucket).
		Msg("service is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	shutdownCancel()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}

	if err := notifier.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close notifier")
	}
	if closer, ok := ledger.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close ledger")
		}
	}
	redisClient.Close()
	log.Info().Msg("packaging service stopped")
}

// openLedger connects the job ledger, or returns a no-op one when no
// database is configured.
func openLedger(ctx context.Context, cfg *config.Config, log zerolog.Logger) services.JobLedger {
	if cfg.DatabaseURL == "" {
		log.Info().Msg("DB_HOST not set, job ledger disabled")
		return services.NoopLedger{}
	}
	dbSvc, err := services.NewDatabaseService(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := dbSvc.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare ledger schema")
	}
	log.Info().Msg("connected to database")
	return dbSvc
}

func openNotifier(cfg *config.Config, logger, log zerolog.Logger) services.Notifier {
	if len(cfg.KafkaBrokers) == 0 {
		log.Info().Msg("KAFKA_BROKERS not set, lifecycle events disabled")
		return services.NoopNotifier{}
	}
	notifier, err := services.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure Kafka notifier")
	}
	log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("lifecycle events enabled")
	return notifier
}
