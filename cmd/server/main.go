// Command server wires the ingestion core, the AWS-backed domain services,
// and the HTTP/WebSocket/gRPC-health transport adapters into one process.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/quillhub/ingestflow/internal/core/chunkstore"
	"github.com/quillhub/ingestflow/internal/core/pipeline"
	"github.com/quillhub/ingestflow/internal/core/progressbus"
	"github.com/quillhub/ingestflow/internal/core/recovery"
	"github.com/quillhub/ingestflow/internal/core/uploadsession"
	"github.com/quillhub/ingestflow/internal/domain/archive"
	"github.com/quillhub/ingestflow/internal/domain/catalogue"
	"github.com/quillhub/ingestflow/internal/domain/notify"
	"github.com/quillhub/ingestflow/internal/domain/pipelinedriver"
	"github.com/quillhub/ingestflow/internal/platform/caching"
	"github.com/quillhub/ingestflow/internal/platform/config"
	"github.com/quillhub/ingestflow/internal/platform/health"
	"github.com/quillhub/ingestflow/internal/platform/logging"
	"github.com/quillhub/ingestflow/internal/platform/principal"
	"github.com/quillhub/ingestflow/internal/platform/tracing"
	"github.com/quillhub/ingestflow/internal/transport/grpchealth"
	"github.com/quillhub/ingestflow/internal/transport/httpapi"
	"github.com/quillhub/ingestflow/internal/transport/wsapi"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env))

	if cfg.OTELExporterAddr != "" {
		if _, err := tracing.InitTracer(ctx, "ingestflow", cfg.OTELExporterAddr); err != nil {
			appLogger.Warn("tracing init failed, continuing without it", "error", err)
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("failed to load aws config: %v", err)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	var cache caching.CachingService = caching.NewNullCachingService()
	if cfg.RedisAddr != "" {
		cache = caching.NewRedisCachingService(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	cat := catalogue.New(dynamoClient, cfg.DynamoFilesTable)
	archiver := archive.New(s3Client, cfg.S3Bucket, appLogger)

	bus := progressbus.New(appLogger)
	defer bus.Close()

	orchestrator := pipeline.New(bus, appLogger)

	sessionCfg := uploadsession.Config{
		UploadsPath:  cfg.UploadsPath,
		ChunkSize:    cfg.ChunkSize,
		MaxChunks:    cfg.MaxChunks,
		ChunkTimeout: cfg.ChunkTimeout,
		SessionTTL:   24 * time.Hour,
		HashDigest:   defaultDigest(),
	}
	store := chunkstore.New(cfg.UploadsPath, appLogger)

	recoveryCtl := recovery.New(
		recovery.Config{
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		recovery.TimeScheduler{},
		bus,
		appLogger,
	)

	manager := uploadsession.New(sessionCfg, store, bus, orchestrator, recoveryCtl, appLogger)

	notifier := notify.NewPublisher(sqsClient, cfg.SQSCompletionQueueURL)

	receiver := notify.NewReceiver(ctx, sqsClient, cfg.SQSCompletionQueueURL, cat, cache, appLogger)
	receiver.Start()
	defer receiver.Shutdown(context.Background())

	verifier := principal.NewHMACVerifier(cfg.JWTSecret)

	sweepTicker := time.NewTicker(time.Hour)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				manager.SweepTimeouts()
			}
		}
	}()

	httpServer := httpapi.New(manager, orchestrator, cat, cache, verifier, cfg.PathPrefix, appLogger)

	driver := pipelinedriver.New(orchestrator, recoveryCtl, notifier, appLogger)
	driver.Register("storage", &archive.StageHandler{
		Archiver: archiver,
		Resolve:  httpServer.ResolveAssembledPath,
		Logger:   appLogger,
	})
	httpServer.SetDriver(driver)

	staleSweepTicker := time.NewTicker(6 * time.Hour)
	defer staleSweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-staleSweepTicker.C:
				if err := archiver.AbortStaleMultipartUploads(ctx, "uploads/"); err != nil {
					appLogger.Warn("stale multipart sweep failed", "error", err)
				}
			}
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())

	httpServer.Register(router)

	wsServer := wsapi.New(bus, verifier, appLogger)
	wsServer.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		appLogger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthChecks := []health.ReadinessCheck{cat}
	if rcs, ok := cache.(health.ReadinessCheck); ok {
		healthChecks = append(healthChecks, rcs)
	}
	healthSrv := grpchealth.Register(grpcServer, healthChecks)
	healthSrv.Start(ctx)

	listener, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		log.Fatalf("grpc health listen error: %v", err)
	}
	go func() {
		appLogger.Info("grpc health server listening", "addr", cfg.GRPCHealthAddr)
		if err := grpcServer.Serve(listener); err != nil {
			appLogger.Error("grpc health server exited", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	appLogger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}

func defaultDigest() func([]byte) string {
	return uploadsession.DefaultConfig("").HashDigest
}
