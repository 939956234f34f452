package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one processing attempt
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunStarted    RunStatus = "started"
	RunProcessing RunStatus = "processing"
	RunCheckpoint RunStatus = "checkpoint"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunRecovering RunStatus = "recovering"
	RunPartial    RunStatus = "partial"
	RunOrphaned   RunStatus = "orphaned"
)

// Terminal reports whether no further transitions are legal from s
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunPartial:
		return true
	}
	return false
}

// Recoverable reports whether the orphan sweep may claim a run in this state
func (s RunStatus) Recoverable() bool {
	switch s {
	case RunProcessing, RunCheckpoint, RunPartial, RunOrphaned:
		return true
	}
	return false
}

// legal run transitions; terminal statuses have no rows here
var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:     {RunStarted, RunCancelled},
	RunStarted:    {RunProcessing, RunFailed, RunCancelled},
	RunProcessing: {RunCheckpoint, RunCompleted, RunPartial, RunFailed, RunCancelled, RunPaused, RunOrphaned},
	RunCheckpoint: {RunProcessing, RunCompleted, RunPartial, RunFailed, RunCancelled, RunOrphaned},
	RunPaused:     {RunProcessing, RunCancelled},
	RunOrphaned:   {RunRecovering, RunFailed, RunCancelled},
	RunRecovering: {RunProcessing, RunCompleted, RunPartial, RunFailed},
}

// CanTransition reports whether from -> to is a legal status change.
// Recovery re-claims a partial run for replay, so partial additionally
// admits recovering even though it is otherwise terminal.
func CanTransition(from, to RunStatus) bool {
	if from == RunPartial && to == RunRecovering {
		return true
	}
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is one processing attempt for one user document. Mutated only by the
// owning worker, or by the recovery sweep acting on a stale heartbeat.
// Retained after completion for audit and duplicate-submission short-circuit.
type Run struct {
	ID          string    `json:"run_id"`
	DocumentID  string    `json:"document_id"`
	UserID      string    `json:"user_id"`
	Status      RunStatus `json:"status"`
	CurrentStep string    `json:"current_step,omitempty"`

	CheckpointData   map[string]interface{} `json:"checkpoint_data,omitempty"`
	ProgressBaseline float64                `json:"progress_baseline"`
	LastCheckpointAt float64                `json:"last_checkpoint_pct"`

	HeartbeatAt      time.Time `json:"heartbeat_at"`
	RetryCount       int       `json:"retry_count"`
	RecoveryPriority int       `json:"recovery_priority"`
	Error            string    `json:"error,omitempty"`

	// Phases skipped with reasons, populated when the run ends partial
	SkippedPhases map[string]string `json:"skipped_phases,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates a queued run for a document submission
func NewRun(documentID, userID string) *Run {
	now := time.Now()
	return &Run{
		ID:          uuid.New().String(),
		DocumentID:  documentID,
		UserID:      userID,
		Status:      RunQueued,
		HeartbeatAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Checkpoint is a named snapshot of resumable run state, recorded at step
// boundaries. Immutable once written; later checkpoints supersede earlier
// ones, they never overwrite them.
type Checkpoint struct {
	RunID           string                 `json:"run_id"`
	Name            string                 `json:"checkpoint_name"`
	ProgressPercent float64                `json:"progress_percent"`
	RecoverableData map[string]interface{} `json:"recoverable_data,omitempty"`
	ValidityHash    string                 `json:"validity_hash"`
	CreatedAt       time.Time              `json:"created_at"`
}

// ResumeValidation is the outcome of checking whether a run may replay
type ResumeValidation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
