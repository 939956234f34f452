package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/models"
)

// maxRecoveryAttempts bounds how many times an orphan is requeued before it
// is declared failed.
const maxRecoveryAttempts = 3

// RecoverySweeper periodically reclaims runs whose workers died. Orphans
// are validated, reset to their last checkpoint, and requeued in recovery
// priority order.
type RecoverySweeper struct {
	registry *RunRegistry
	queue    RunQueue
	events   EventBus
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      config.EngineConfig

	stop chan struct{}
	done chan struct{}
}

// NewRecoverySweeper creates the recovery sweeper
func NewRecoverySweeper(registry *RunRegistry, queue RunQueue, events EventBus, m *metrics.Metrics, cfg config.EngineConfig, log *logger.Logger) *RecoverySweeper {
	return &RecoverySweeper{
		registry: registry,
		queue:    queue,
		events:   events,
		metrics:  m,
		logger:   log.WithService("recovery_sweeper"),
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx ends
func (s *RecoverySweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		s.logger.Info("recovery sweeper started",
			zap.Duration("interval", s.cfg.SweepInterval),
			zap.Duration("staleness_threshold", s.cfg.StalenessThreshold),
		)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.logger.Error("recovery sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit
func (s *RecoverySweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep performs one pass: discover orphans, validate each, and requeue the
// recoverable ones. Discovery order already encodes recovery priority.
func (s *RecoverySweeper) Sweep(ctx context.Context) error {
	orphans, err := s.registry.DiscoverOrphaned(ctx)
	if err != nil {
		return err
	}

	for _, run := range orphans {
		if err := s.reclaim(ctx, run); err != nil {
			s.logger.Error("failed to reclaim orphan",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (s *RecoverySweeper) reclaim(ctx context.Context, run *models.Run) error {
	validation, err := s.registry.ValidateResume(ctx, run)
	if err != nil {
		return err
	}

	switch {
	case validation.Valid:
		// Replay from the last checkpoint.
	case validation.Reason == "checkpoint_corrupt":
		// The checkpoint cannot be trusted. Restart the run from zero
		// rather than replaying corrupt state.
		run.CurrentStep = ""
		run.CheckpointData = nil
		run.LastCheckpointAt = run.ProgressBaseline
	default:
		// already_completed or terminal: nothing to recover.
		s.logger.Info("orphan not recoverable",
			zap.String("run_id", run.ID),
			zap.String("reason", validation.Reason),
		)
		return nil
	}

	if run.RetryCount >= maxRecoveryAttempts {
		run.Error = "recovery attempts exhausted"
		if err := s.registry.MarkStatus(ctx, run, models.RunFailed); err != nil {
			return err
		}
		_ = s.events.PublishRunEvent(ctx, EventRunFailed, run, map[string]interface{}{
			"reason": "recovery_exhausted",
		})
		return nil
	}

	run.RetryCount++
	run.HeartbeatAt = time.Now()
	if err := s.registry.MarkStatus(ctx, run, models.RunRecovering); err != nil {
		return err
	}

	if err := s.queue.Enqueue(ctx, run.ID); err != nil {
		return err
	}

	s.metrics.IncOrphansRecovered()
	_ = s.events.PublishRunEvent(ctx, EventRunRecovered, run, map[string]interface{}{
		"retry_count": run.RetryCount,
	})
	s.logger.Info("orphan requeued for recovery",
		zap.String("run_id", run.ID),
		zap.Int("retry_count", run.RetryCount),
		zap.String("resume_step", run.CurrentStep),
	)
	return nil
}
