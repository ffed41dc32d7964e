package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pos-sync-service/config"
	"pos-sync-service/internal/api"
	"pos-sync-service/internal/broker"
	"pos-sync-service/internal/ingest"
	"pos-sync-service/internal/invoice"
	"pos-sync-service/internal/jobqueue"
	"pos-sync-service/internal/redisclient"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/util"
	"pos-sync-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const retryQueueName = "invoice-retries"

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		panic(err)
	}
	logger := util.GetLogger()
	defer logger.Sync()

	tp, err := util.InitTracer("pos-sync-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Failed to shutdown tracer", zap.Error(err))
			}
		}()
	}

	st, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	redis, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	publisher := broker.NewEventPublisher(producer)

	retryQueue := jobqueue.New(redis, retryQueueName, jobqueue.Config{
		MaxAttempts: cfg.Issuance.MaxJobAttempts,
		BaseBackoff: time.Duration(cfg.Issuance.BaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Issuance.MaxBackoffSeconds) * time.Second,
	})

	authorizer := invoice.NewHTTPAuthorizer(
		cfg.Authorizer.BaseURL,
		time.Duration(cfg.Authorizer.TimeoutSeconds)*time.Second,
	)

	issuer := invoice.NewIssuer(st, authorizer, retryQueue, publisher, invoice.Config{
		PointOfSale:            cfg.Authorizer.PointOfSale,
		QueueRetryCeiling:      cfg.Issuance.QueueRetryCeiling,
		ManualRetryCeiling:     cfg.Issuance.ManualRetryCeiling,
		CreditNoteRetryCeiling: cfg.Issuance.CreditNoteRetryCeiling,
	})

	processor := ingest.NewProcessor(st, publisher, ingest.Thresholds{
		Failures:  cfg.Sync.FailureAlertThreshold,
		Conflicts: cfg.Sync.ConflictAlertThreshold,
	})
	resolver := ingest.NewResolver(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := invoice.NewSweeper(st, issuer, publisher, invoice.SweepConfig{
		RetryInterval:  time.Duration(cfg.Issuance.RetrySweepSeconds) * time.Second,
		RetryMinAge:    time.Duration(cfg.Issuance.RetryMinAgeSeconds) * time.Second,
		StaleInterval:  time.Duration(cfg.Issuance.StaleSweepSeconds) * time.Second,
		StaleThreshold: time.Duration(cfg.Issuance.StaleThresholdSeconds) * time.Second,
		BatchLimit:     100,
	})
	go sweeper.Run(ctx)

	go processor.RunReplaySweep(ctx, ingest.ReplaySweepConfig{
		Interval:     time.Duration(cfg.Sync.ReplaySweepSeconds) * time.Second,
		ReclaimAfter: time.Duration(cfg.Sync.ProcessingReclaimSeconds) * time.Second,
		BatchLimit:   cfg.Sync.ReplayLimit,
	})

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	defer consumer.Close()

	issuanceWorker := worker.NewIssuanceWorker(consumer, st, issuer, cfg.Issuance.QueueRetryCeiling)
	go func() {
		if err := issuanceWorker.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Issuance worker exited", zap.Error(err))
		}
	}()

	retryWorker := worker.NewRetryWorker(retryQueue, issuer, cfg.Issuance.QueueRetryCeiling)
	go func() {
		if err := retryWorker.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Retry worker exited", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := api.NewHandler(st, processor, resolver, issuer, cfg)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
