package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/database"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/services"
)

// APIServer holds the HTTP surface and its handlers
type APIServer struct {
	Router          *gin.Engine
	RunHandler      *RunHandler
	ProgressHandler *ProgressHandler
	HealthHandler   *HealthHandler
	Hub             *ProgressHub
	logger          *logger.Logger
}

// NewAPIServer creates the API server with all routes configured
func NewAPIServer(
	cfg *config.Config,
	registry *services.RunRegistry,
	artifacts *services.ArtifactService,
	sequencer *services.ProgressSequencer,
	hub *ProgressHub,
	neo4j *database.Neo4jClient,
	redis *database.RedisClient,
	storage *services.S3BlobStore,
	metricsInstance *metrics.Metrics,
	log *logger.Logger,
) *APIServer {
	runHandler := NewRunHandler(registry, artifacts, log)
	progressHandler := NewProgressHandler(hub, sequencer, registry, log)
	healthHandler := NewHealthHandler(neo4j, redis, storage, log)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(recoveryMiddleware(log))
	router.Use(requestLoggingMiddleware(log))
	router.Use(metrics.HTTPMetricsMiddleware(metricsInstance, log))

	server := &APIServer{
		Router:          router,
		RunHandler:      runHandler,
		ProgressHandler: progressHandler,
		HealthHandler:   healthHandler,
		Hub:             hub,
		logger:          log.WithService("api_server"),
	}
	server.setupRoutes(metricsInstance)
	return server
}

func (s *APIServer) setupRoutes(m *metrics.Metrics) {
	s.Router.GET("/health", s.HealthHandler.ReadinessCheck)
	s.Router.GET("/health/live", s.HealthHandler.LivenessCheck)
	s.Router.GET("/health/ready", s.HealthHandler.ReadinessCheck)
	s.Router.GET("/metrics", m.GinHandler())

	v1 := s.Router.Group("/api/v1")
	{
		v1.POST("/runs", s.RunHandler.SubmitRun)
		v1.GET("/runs/:id", s.RunHandler.GetRun)
		v1.POST("/runs/:id/cancel", s.RunHandler.CancelRun)
		v1.GET("/runs/:id/progress", s.ProgressHandler.StreamProgress)

		v1.DELETE("/documents/:id", s.RunHandler.DeleteDocument)
	}
}

// recoveryMiddleware converts panics into 500 responses with a log entry
func recoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("panic recovered in handler",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatus(500)
	})
}

// requestLoggingMiddleware logs each request with timing
func requestLoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
