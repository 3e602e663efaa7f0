package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"rx-fulfillment/config"
	"rx-fulfillment/internal/api"
	"rx-fulfillment/internal/broker"
	"rx-fulfillment/internal/redisclient"
	"rx-fulfillment/internal/service"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/util"
	"rx-fulfillment/internal/validation"
	"rx-fulfillment/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting prescription fulfillment service")

	tp, err := util.InitTracer("rx-fulfillment", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotify)
	defer producer.Close()
	publisher := broker.NewEventPublisher(producer)

	gateway := validation.NewGateway(validation.Options{
		BaseURL:           cfg.Validation.JudgeURL,
		Timeout:           cfg.Validation.Timeout,
		RequestsPerSecond: cfg.Validation.RequestsPerSec,
		Burst:             cfg.Validation.Burst,
		BreakerFailures:   uint32(cfg.Validation.BreakerFailures),
		BreakerOpenDelay:  cfg.Validation.BreakerOpenDelay,
	})

	prescriptions := service.NewPrescriptionService(db, gateway)
	ledger := service.NewInventoryLedger(db)
	alerts := service.NewAlertRecorder(db, db, publisher, redisClient)
	engine := service.NewDispensingEngine(db, db, ledger, alerts, redisClient, publisher, service.EngineConfig{
		PharmacyDirect:  cfg.Business.PharmacyDirectDispense,
		VerificationTTL: cfg.Business.VerificationTTL,
		LockTTL:         cfg.Business.DispenseLockTTL,
		IdempotencyTTL:  cfg.Business.IdempotencyTTL,
	})
	supply := service.NewSupplyHandler(db, ledger, alerts)

	supplyConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSupply, cfg.Kafka.ConsumerGroup)
	supplyWorker := worker.NewSupplyWorker(supplyConsumer, supply)
	expiryWorker := worker.NewExpiryWorker(alerts, cfg.Business.ExpirySweepInterval, cfg.Business.ExpiryWindowDays)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(prescriptions, engine, ledger, alerts, map[string]api.Pinger{
		"database": db,
		"redis":    redisClient,
	}, cfg.Business.ExpiryWindowDays)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := supplyWorker.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("supply worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return expiryWorker.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return supplyWorker.Stop()
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
	}

	logger.Info("Server exited")
}
