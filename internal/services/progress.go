package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/models"
)

// ProgressSequencer turns phase transitions into the strictly increasing
// percentage stream clients observe. Non-manual emissions at or below the
// last accepted percent are rejected so retries and recovery replays never
// regress the UI. A manual force-restart emission is the single sanctioned
// downward jump; monotonicity then resumes from the new baseline.
type ProgressSequencer struct {
	store       ProgressStore
	broadcaster Broadcaster
	events      EventBus
	metrics     *metrics.Metrics
	logger      *logger.Logger

	mu   sync.Mutex
	last map[string]float64
}

// NewProgressSequencer creates the progress sequencer
func NewProgressSequencer(store ProgressStore, broadcaster Broadcaster, events EventBus, m *metrics.Metrics, log *logger.Logger) *ProgressSequencer {
	return &ProgressSequencer{
		store:       store,
		broadcaster: broadcaster,
		events:      events,
		metrics:     m,
		logger:      log.WithService("progress_sequencer"),
		last:        make(map[string]float64),
	}
}

// Emit records one progress emission for a run. Rejected emissions are a
// logged no-op, not an error: callers on the retry path must not fail
// because their progress report arrived stale.
func (s *ProgressSequencer) Emit(ctx context.Context, run *models.Run, stepKey string, percent float64, description string, manual bool) error {
	last, err := s.lastPercent(ctx, run)
	if err != nil {
		return err
	}

	if !manual && percent <= last {
		s.metrics.RecordProgressEmission("rejected")
		s.logger.Debug("progress emission rejected, not monotonic",
			zap.String("run_id", run.ID),
			zap.String("step_key", stepKey),
			zap.Float64("percent", percent),
			zap.Float64("last", last),
		)
		return nil
	}
	if manual && percent < last {
		s.metrics.RecordProgressEmission("baseline_reset")
		s.logger.Info("progress baseline lowered by force restart",
			zap.String("run_id", run.ID),
			zap.Float64("from", last),
			zap.Float64("to", percent),
		)
	} else {
		s.metrics.RecordProgressEmission("accepted")
	}

	event := &models.ProgressEvent{
		RunID:       run.ID,
		DocumentID:  run.DocumentID,
		StepKey:     stepKey,
		Percent:     percent,
		Description: description,
		Manual:      manual,
		EmittedAt:   time.Now(),
	}

	// Persist before broadcast so a subscriber that connects during the
	// broadcast race still replays the newest value.
	if err := s.store.Save(ctx, event); err != nil {
		return err
	}

	s.mu.Lock()
	s.last[run.ID] = percent
	s.mu.Unlock()

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(event)
	}
	if s.events != nil {
		_ = s.events.PublishProgressEvent(ctx, event)
	}

	return nil
}

// Replay returns the last persisted emission for a run so a subscriber that
// connects mid-run immediately sees current state. Nil when nothing has
// been accepted yet.
func (s *ProgressSequencer) Replay(ctx context.Context, runID string) (*models.ProgressEvent, error) {
	return s.store.Last(ctx, runID)
}

// lastPercent returns the monotonic floor for a run, seeding the in-memory
// cursor from the store on first touch so recovery on a fresh worker
// enforces against the persisted history, not zero.
func (s *ProgressSequencer) lastPercent(ctx context.Context, run *models.Run) (float64, error) {
	s.mu.Lock()
	if last, ok := s.last[run.ID]; ok {
		s.mu.Unlock()
		return last, nil
	}
	s.mu.Unlock()

	event, err := s.store.Last(ctx, run.ID)
	if err != nil {
		return 0, err
	}

	last := run.ProgressBaseline
	if event != nil && event.Percent > last {
		last = event.Percent
	}

	s.mu.Lock()
	s.last[run.ID] = last
	s.mu.Unlock()
	return last, nil
}

// Forget drops the in-memory cursor for a finished run
func (s *ProgressSequencer) Forget(runID string) {
	s.mu.Lock()
	delete(s.last, runID)
	s.mu.Unlock()
}
