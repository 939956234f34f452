package services

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// RunRegistry owns run lifecycle: creation, resume decisions, checkpoint
// recording, heartbeats, and orphan discovery. All status changes go through
// MarkStatus so the transition table is enforced in one place.
type RunRegistry struct {
	runs    RunStore
	queue   RunQueue
	events  EventBus
	metrics *metrics.Metrics
	logger  *logger.Logger
	cfg     config.EngineConfig
}

// NewRunRegistry creates the run registry
func NewRunRegistry(runs RunStore, queue RunQueue, events EventBus, m *metrics.Metrics, cfg config.EngineConfig, log *logger.Logger) *RunRegistry {
	return &RunRegistry{
		runs:    runs,
		queue:   queue,
		events:  events,
		metrics: m,
		logger:  log.WithService("run_registry"),
		cfg:     cfg,
	}
}

// StartOrResume begins processing for a document submission. An active run
// for the same (document, user) is returned as-is rather than duplicated; a
// completed run short-circuits with ALREADY_COMPLETED unless forceRestart.
// forceRestart starts a fresh run whose progress baseline is taken from the
// named checkpoint, permitting the one visible downward progress jump.
func (r *RunRegistry) StartOrResume(ctx context.Context, documentID, userID string, forceRestart bool, restartFromStep string) (*models.Run, error) {
	active, err := r.runs.FindActive(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if !forceRestart {
			r.logger.Info("returning existing active run",
				zap.String("run_id", active.ID),
				zap.String("document_id", documentID),
			)
			return active, nil
		}
		// Force restart supersedes the active run. Cancel it so exactly
		// one run per (document, user) is ever live.
		if err := r.MarkStatus(ctx, active, models.RunCancelled); err != nil {
			return nil, err
		}
	}

	if !forceRestart {
		completed, err := r.runs.FindCompleted(ctx, documentID, userID)
		if err != nil {
			return nil, err
		}
		if completed != nil {
			return nil, engerrors.AlreadyCompleted("document already analyzed", map[string]interface{}{
				"run_id":      completed.ID,
				"document_id": documentID,
			})
		}
	}

	run := models.NewRun(documentID, userID)

	if forceRestart && restartFromStep != "" && active != nil {
		baseline, data, found, err := r.baselineFrom(ctx, active.ID, restartFromStep)
		if err != nil {
			return nil, err
		}
		if found {
			run.ProgressBaseline = baseline
			run.LastCheckpointAt = baseline
			run.CurrentStep = restartFromStep
			run.CheckpointData = data
		} else {
			r.logger.Warn("restart step has no checkpoint, restarting from zero",
				zap.String("document_id", documentID),
				zap.String("step", restartFromStep),
			)
		}
	}

	if err := r.runs.Insert(ctx, run); err != nil {
		return nil, err
	}
	if err := r.queue.Enqueue(ctx, run.ID); err != nil {
		return nil, engerrors.TransientIO("failed to enqueue run", err)
	}

	_ = r.events.PublishRunEvent(ctx, EventRunQueued, run, map[string]interface{}{
		"force_restart": forceRestart,
	})

	r.logger.Info("run queued",
		zap.String("run_id", run.ID),
		zap.String("document_id", documentID),
		zap.Bool("force_restart", forceRestart),
		zap.Float64("progress_baseline", run.ProgressBaseline),
	)
	return run, nil
}

// baselineFrom loads the named checkpoint of a prior run to seed a
// force-restarted run. An unknown step name reports found=false so the
// caller restarts from zero.
func (r *RunRegistry) baselineFrom(ctx context.Context, priorRunID, step string) (float64, map[string]interface{}, bool, error) {
	checkpoints, err := r.runs.Checkpoints(ctx, priorRunID)
	if err != nil {
		return 0, nil, false, err
	}
	for _, cp := range checkpoints {
		if cp.Name == step {
			return cp.ProgressPercent, cp.RecoverableData, true, nil
		}
	}
	return 0, nil, false, nil
}

// RecordCheckpoint persists a named checkpoint for the run. The progress
// percent must strictly exceed the run's last recorded checkpoint; a stale
// or duplicate write is rejected, never silently reordered. The validity
// hash binds the checkpoint to its recoverable data for resume validation.
func (r *RunRegistry) RecordCheckpoint(ctx context.Context, run *models.Run, name string, percent float64, recoverable map[string]interface{}) error {
	if percent <= run.LastCheckpointAt {
		r.metrics.RecordCheckpoint("rejected")
		_ = r.events.PublishRunEvent(ctx, EventCheckpointRejected, run, map[string]interface{}{
			"checkpoint":   name,
			"percent":      percent,
			"last_percent": run.LastCheckpointAt,
		})
		return engerrors.CheckpointRejected("checkpoint would move progress backward", map[string]interface{}{
			"run_id":       run.ID,
			"name":         name,
			"percent":      percent,
			"last_percent": run.LastCheckpointAt,
		})
	}

	cp := &models.Checkpoint{
		RunID:           run.ID,
		Name:            name,
		ProgressPercent: percent,
		RecoverableData: recoverable,
		ValidityHash:    RecoverableHash(recoverable),
		CreatedAt:       time.Now(),
	}
	if err := r.runs.InsertCheckpoint(ctx, cp); err != nil {
		return err
	}

	run.CurrentStep = name
	run.LastCheckpointAt = percent
	run.CheckpointData = recoverable
	run.HeartbeatAt = time.Now()
	if err := r.runs.Update(ctx, run); err != nil {
		return err
	}

	r.metrics.RecordCheckpoint("accepted")
	_ = r.events.PublishRunEvent(ctx, EventCheckpointRecorded, run, map[string]interface{}{
		"checkpoint": name,
		"percent":    percent,
	})

	return nil
}

// CompletedPhases reconstructs the phase results recorded in the run's
// checkpoints. A resumed run seeds the orchestrator with them so finished
// phases never replay. Checkpoints whose validity hash no longer matches
// their data are left out rather than trusted.
func (r *RunRegistry) CompletedPhases(ctx context.Context, runID string) (map[string]*models.PhaseResult, error) {
	checkpoints, err := r.runs.Checkpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	completed := make(map[string]*models.PhaseResult)
	for _, cp := range checkpoints {
		if RecoverableHash(cp.RecoverableData) != cp.ValidityHash {
			r.logger.Warn("dropping checkpoint with stale validity hash",
				zap.String("run_id", runID),
				zap.String("checkpoint", cp.Name),
			)
			continue
		}
		if result := DecodePhaseResult(cp.RecoverableData); result != nil {
			completed[result.Phase] = result
		}
	}
	return completed, nil
}

// Heartbeat refreshes the run's liveness marker so the orphan sweep leaves
// it alone.
func (r *RunRegistry) Heartbeat(ctx context.Context, run *models.Run) error {
	run.HeartbeatAt = time.Now()
	return r.runs.Update(ctx, run)
}

// MarkStatus transitions the run to a new status, enforcing the transition
// table.
func (r *RunRegistry) MarkStatus(ctx context.Context, run *models.Run, status models.RunStatus) error {
	if !models.CanTransition(run.Status, status) {
		return engerrors.InvalidTransition(string(run.Status), string(status))
	}
	run.Status = status
	run.UpdatedAt = time.Now()
	return r.runs.Update(ctx, run)
}

// DiscoverOrphaned finds runs whose heartbeat is older than the staleness
// threshold and marks them orphaned, ordered for recovery by priority then
// age. Runs already orphaned are returned without a second transition.
func (r *RunRegistry) DiscoverOrphaned(ctx context.Context) ([]*models.Run, error) {
	cutoff := time.Now().Add(-r.cfg.StalenessThreshold)
	stale, err := r.runs.FindStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var orphans []*models.Run
	for _, run := range stale {
		if run.Status != models.RunOrphaned {
			if !models.CanTransition(run.Status, models.RunOrphaned) {
				continue
			}
			run.Status = models.RunOrphaned
			run.UpdatedAt = time.Now()
			if err := r.runs.Update(ctx, run); err != nil {
				r.logger.Error("failed to mark run orphaned", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			_ = r.events.PublishRunEvent(ctx, EventRunOrphaned, run, nil)
			r.logger.Warn("run orphaned",
				zap.String("run_id", run.ID),
				zap.Time("heartbeat_at", run.HeartbeatAt),
			)
		}
		orphans = append(orphans, run)
	}

	return orphans, nil
}

// ValidateResume decides whether an interrupted run may replay from its
// last checkpoint. A run whose output already exists resumes as a no-op
// completion; corrupted checkpoint state forces a restart from zero.
func (r *RunRegistry) ValidateResume(ctx context.Context, run *models.Run) (*models.ResumeValidation, error) {
	if run.Status == models.RunCompleted {
		return &models.ResumeValidation{Valid: false, Reason: "already_completed"}, nil
	}
	if run.Status == models.RunCancelled || run.Status == models.RunFailed {
		return &models.ResumeValidation{Valid: false, Reason: "terminal"}, nil
	}

	// A concurrent run for the same document may have finished while this
	// one was interrupted. Resuming would redo work whose output exists.
	completed, err := r.runs.FindCompleted(ctx, run.DocumentID, run.UserID)
	if err != nil {
		return nil, err
	}
	if completed != nil && completed.ID != run.ID {
		return &models.ResumeValidation{Valid: false, Reason: "already_completed"}, nil
	}

	cp, err := r.runs.LastCheckpoint(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		// Nothing recorded yet: replay is a restart from zero, valid.
		return &models.ResumeValidation{Valid: true}, nil
	}

	if RecoverableHash(cp.RecoverableData) != cp.ValidityHash {
		r.logger.Warn("checkpoint validity hash mismatch, forcing restart",
			zap.String("run_id", run.ID),
			zap.String("checkpoint", cp.Name),
		)
		return &models.ResumeValidation{Valid: false, Reason: "checkpoint_corrupt"}, nil
	}

	return &models.ResumeValidation{Valid: true}, nil
}

// FindByID loads a run by id
func (r *RunRegistry) FindByID(ctx context.Context, runID string) (*models.Run, error) {
	return r.runs.FindByID(ctx, runID)
}

// EncodePhaseResult renders a phase result as the JSON-shaped map stored in
// checkpoint recoverable data.
func EncodePhaseResult(result *models.PhaseResult) map[string]interface{} {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil
	}
	return m
}

// DecodePhaseResult reads the phase result out of checkpoint recoverable
// data. It returns nil when the data carries no completed phase result,
// which covers checkpoints recorded before any phase ran.
func DecodePhaseResult(data map[string]interface{}) *models.PhaseResult {
	raw, ok := data["result"]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var result models.PhaseResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil
	}
	if result.Phase == "" || result.State != models.PhaseDone {
		return nil
	}
	return &result
}

// RecoverableHash computes the validity hash over recoverable checkpoint
// data. json.Marshal sorts map keys, so the digest is stable for equal maps.
func RecoverableHash(data map[string]interface{}) string {
	if data == nil {
		data = map[string]interface{}{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return sha256Hex(encoded)
}
