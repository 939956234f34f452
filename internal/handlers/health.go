package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/database"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	neo4j   *database.Neo4jClient
	redis   *database.RedisClient
	storage *services.S3BlobStore
	logger  *logger.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(neo4j *database.Neo4jClient, redis *database.RedisClient, storage *services.S3BlobStore, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		neo4j:   neo4j,
		redis:   redis,
		storage: storage,
		logger:  log.WithService("health_handler"),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version,omitempty"`
	Services  map[string]ServiceHealth `json:"services"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time_ms"`
	Error        string        `json:"error,omitempty"`
}

// LivenessCheck handles liveness probe
// @Summary Liveness check
// @Tags health
// @Produce json
// @Router /health/live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// ReadinessCheck handles readiness probe
// @Summary Readiness check
// @Tags health
// @Produce json
// @Router /health/ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	response := HealthResponse{
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceHealth),
	}

	allHealthy := true
	for name, check := range map[string]func(context.Context) error{
		"neo4j":   h.neo4j.HealthCheck,
		"redis":   h.redis.HealthCheck,
		"storage": h.storage.HealthCheck,
	} {
		health := h.check(ctx, name, check)
		response.Services[name] = health
		if health.Status != "healthy" {
			allHealthy = false
		}
	}

	if allHealthy {
		response.Status = "ready"
		c.JSON(http.StatusOK, response)
	} else {
		response.Status = "not_ready"
		c.JSON(http.StatusServiceUnavailable, response)
	}
}

func (h *HealthHandler) check(ctx context.Context, name string, fn func(context.Context) error) ServiceHealth {
	start := time.Now()
	err := fn(ctx)
	responseTime := time.Since(start)

	if err != nil {
		h.logger.Error("health check failed",
			zap.String("dependency", name),
			zap.Error(err),
		)
		return ServiceHealth{
			Status:       "unhealthy",
			ResponseTime: responseTime,
			Error:        err.Error(),
		}
	}
	return ServiceHealth{
		Status:       "healthy",
		ResponseTime: responseTime,
	}
}
