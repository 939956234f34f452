package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/database"
	"github.com/clausewise/analysis-engine/internal/handlers"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/services"
	"github.com/clausewise/analysis-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := appLogger.Sync(); err != nil {
			// Broken pipe on sync is common during shutdown
			log.Printf("Logger sync warning: %v", err)
		}
	}()

	appLogger.Info("Starting analysis engine",
		zap.String("version", cfg.Server.Version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("port", cfg.Server.Port),
	)

	// Databases
	neo4jClient, err := database.NewNeo4jClient(cfg.Neo4j, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	if err := neo4jClient.CreateConstraints(context.Background()); err != nil {
		appLogger.Fatal("Failed to create database constraints", zap.Error(err))
	}
	if err := neo4jClient.CreateIndexes(context.Background()); err != nil {
		appLogger.Fatal("Failed to create database indexes", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(cfg.Redis, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	// Metrics
	metricsInstance := metrics.NewMetrics(appLogger)

	// Blob storage
	blobStore, err := services.NewS3BlobStore(cfg.Storage, metricsInstance, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize blob storage", zap.Error(err))
	}

	// Event bus
	var eventBus services.EventBus = services.NoopEventBus{}
	if cfg.Kafka.Enabled {
		kafkaService, err := services.NewKafkaService(cfg.Kafka, appLogger)
		if err != nil {
			appLogger.Error("Failed to initialize Kafka, audit events disabled", zap.Error(err))
		} else {
			eventBus = kafkaService
			defer kafkaService.Close()
		}
	}

	// Core services
	locker := services.NewRedisLocker(redisClient, appLogger)
	queue := services.NewRedisRunQueue(redisClient)
	artifactRows := services.NewNeo4jArtifactRows(neo4jClient, appLogger)
	runStore := services.NewNeo4jRunStore(neo4jClient, appLogger)
	progressStore := services.NewCachedProgressStore(
		services.NewNeo4jProgressStore(neo4jClient, appLogger),
		redisClient,
		appLogger,
	)

	artifactService := services.NewArtifactService(artifactRows, blobStore, locker, metricsInstance, cfg.Engine, appLogger)
	diagramExtractor := services.NewDiagramExtractor(artifactService, artifactRows, blobStore, appLogger)
	registry := services.NewRunRegistry(runStore, queue, eventBus, metricsInstance, cfg.Engine, appLogger)

	hub := handlers.NewProgressHub(appLogger)
	sequencer := services.NewProgressSequencer(progressStore, hub, eventBus, metricsInstance, appLogger)

	graph := services.ContractGraph()
	units := services.DefaultUnits(artifactService)
	orchestrator, err := services.NewPhaseOrchestrator(graph, units, sequencer, metricsInstance, cfg.Engine, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	fetcher := services.NewS3DocumentFetcher(blobStore, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background processes
	pool := worker.NewPool(
		registry, artifactService, diagramExtractor, orchestrator, sequencer,
		queue, fetcher, services.PlainTextCompute, eventBus, graph,
		metricsInstance, cfg.Engine, appLogger,
	)
	pool.Start(ctx)

	sweeper := services.NewRecoverySweeper(registry, queue, eventBus, metricsInstance, cfg.Engine, appLogger)
	sweeper.Start(ctx)

	collector := metrics.NewCollector(metricsInstance, queue.Len, appLogger)
	go collector.Start(ctx)

	// HTTP surface
	apiServer := handlers.NewAPIServer(
		cfg, registry, artifactService, sequencer, hub,
		neo4jClient, redisClient, blobStore, metricsInstance, appLogger,
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      apiServer.Router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	cancel()
	sweeper.Stop()
	pool.Stop()
	collector.Stop()

	appLogger.Info("Shutdown complete")
}
