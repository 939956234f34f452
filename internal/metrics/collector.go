package metrics

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/logger"
)

const collectInterval = 30 * time.Second

// DepthFunc samples the run queue depth
type DepthFunc func(ctx context.Context) (int64, error)

// Collector periodically samples system metrics and queue depth
type Collector struct {
	metrics *Metrics
	depth   DepthFunc
	logger  *logger.Logger
	done    chan struct{}
}

// NewCollector creates a metrics collector. depth may be nil when no queue
// is wired.
func NewCollector(m *Metrics, depth DepthFunc, log *logger.Logger) *Collector {
	return &Collector{
		metrics: m,
		depth:   depth,
		logger:  log.WithService("metrics_collector"),
		done:    make(chan struct{}),
	}
}

// Start runs the collection loop until ctx ends or Stop is called
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	c.logger.Info("metrics collection started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop terminates the collection loop
func (c *Collector) Stop() {
	close(c.done)
}

func (c *Collector) collect(ctx context.Context) {
	c.metrics.SetGoroutines(runtime.NumGoroutine())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	c.metrics.SetMemoryUsage(int64(memStats.Alloc))

	if c.depth != nil {
		depth, err := c.depth(ctx)
		if err != nil {
			c.logger.Debug("queue depth sample failed", zap.Error(err))
			return
		}
		c.metrics.SetQueueDepth(depth)
	}
}
