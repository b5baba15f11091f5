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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/coursekit/media-pipeline/internal/config"
	"github.com/coursekit/media-pipeline/internal/health"
	"github.com/coursekit/media-pipeline/internal/lessons"
	"github.com/coursekit/media-pipeline/internal/logger"
	"github.com/coursekit/media-pipeline/internal/media"
	"github.com/coursekit/media-pipeline/internal/observability"
	"github.com/coursekit/media-pipeline/internal/publisher"
	"github.com/coursekit/media-pipeline/internal/queue"
	"github.com/coursekit/media-pipeline/internal/worker"
)

const (
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		logger.Info(context.Background(), log, "No .env file found, relying on system ENV variables")
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error(context.Background(), log, "Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize tracing
	shutdownTracer, err := observability.InitTracer(context.Background(), "media-worker",
		cfg.Observability.OTLPEndpoint, cfg.Environment)
	if err != nil {
		logger.Error(context.Background(), log, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error(context.Background(), log, "Failed to shutdown tracer", "error", err)
		}
	}()

	awsCtx, awsCancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer awsCancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error(context.Background(), log, "Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	s3Client := s3.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	redisClient := queue.NewClient(cfg.Redis)
	defer redisClient.Close()

	jobQueue := queue.New(redisClient, queue.DefaultConfig(cfg.Queue), log)
	if err := jobQueue.Ping(context.Background()); err != nil {
		logger.Error(context.Background(), log, "Failed to reach queue backend", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	lessonRepo := lessons.NewRepositoryFromClient(dynamoClient, cfg.AWS.LessonsTable)

	pool := worker.New(&worker.Config{
		Queue:      jobQueue,
		Stager:     media.NewStager(s3Client, cfg.Worker.ScratchDir, log),
		Prober:     media.NewProber(cfg.Worker.ProbeTimeout, log),
		Transcoder: media.NewTranscoder(media.DefaultPreset, cfg.Worker.TranscodeTimeout, log),
		Publisher:  publisher.New(s3Client, cfg.AWS.MediaBucket, cfg.AWS.CDNDomain, log),
		Lessons:    lessonRepo,
		AppConfig:  cfg,
		Logger:     log,
	})

	checker := health.NewChecker(&health.Config{
		ServiceName:    "media-worker",
		Queue:          jobQueue,
		S3Client:       s3Client,
		DynamoDBClient: dynamoClient,
		S3Bucket:       cfg.AWS.MediaBucket,
		DynamoDBTable:  cfg.AWS.LessonsTable,
		Logger:         log,
		CacheTTL:       health.DefaultCacheTTL,
		CheckTimeout:   health.DefaultCheckTimeout,
		DeepCheckLimit: health.DefaultDeepCheckLimit,
	})

	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, checker, log)

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info(context.Background(), log, "Shutting down worker...")
		cancel()
	}()

	pool.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), log, "Failed to shutdown metrics server", "error", err)
	}
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), log, "Starting metrics server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), log, "Metrics server error", "error", err)
		}
	}()

	return server
}
