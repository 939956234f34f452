package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/clausewise/analysis-engine/internal/database"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// Neo4jRunStore implements RunStore over Neo4j. Nested maps are stored as
// JSON strings: Neo4j properties only take primitives.
type Neo4jRunStore struct {
	neo4j  *database.Neo4jClient
	logger *logger.Logger
}

// NewNeo4jRunStore creates the Neo4j-backed run store
func NewNeo4jRunStore(client *database.Neo4jClient, log *logger.Logger) *Neo4jRunStore {
	return &Neo4jRunStore{
		neo4j:  client,
		logger: log.WithService("run_store"),
	}
}

const runReturnClause = `
	RETURN r.id as id, r.document_id as document_id, r.user_id as user_id,
	       r.status as status, r.current_step as current_step,
	       r.checkpoint_data as checkpoint_data,
	       r.progress_baseline as progress_baseline,
	       r.last_checkpoint_pct as last_checkpoint_pct,
	       r.heartbeat_at as heartbeat_at, r.retry_count as retry_count,
	       r.recovery_priority as recovery_priority, r.error as error,
	       r.skipped_phases as skipped_phases,
	       r.created_at as created_at, r.updated_at as updated_at`

func runParams(run *models.Run) (map[string]interface{}, error) {
	checkpointData := "{}"
	if run.CheckpointData != nil {
		data, err := json.Marshal(run.CheckpointData)
		if err != nil {
			return nil, engerrors.Validation("checkpoint data is not serializable", nil)
		}
		checkpointData = string(data)
	}

	skipped := "{}"
	if run.SkippedPhases != nil {
		data, err := json.Marshal(run.SkippedPhases)
		if err != nil {
			return nil, engerrors.Validation("skipped phases are not serializable", nil)
		}
		skipped = string(data)
	}

	return map[string]interface{}{
		"id":                  run.ID,
		"document_id":         run.DocumentID,
		"user_id":             run.UserID,
		"status":              string(run.Status),
		"current_step":        run.CurrentStep,
		"checkpoint_data":     checkpointData,
		"progress_baseline":   run.ProgressBaseline,
		"last_checkpoint_pct": run.LastCheckpointAt,
		"heartbeat_at":        run.HeartbeatAt.UTC().Format(time.RFC3339Nano),
		"retry_count":         run.RetryCount,
		"recovery_priority":   run.RecoveryPriority,
		"error":               run.Error,
		"skipped_phases":      skipped,
		"created_at":          run.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":          time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func recordToRun(record *neo4j.Record) *models.Run {
	run := &models.Run{
		ID:               recordString(record, "id"),
		DocumentID:       recordString(record, "document_id"),
		UserID:           recordString(record, "user_id"),
		Status:           models.RunStatus(recordString(record, "status")),
		CurrentStep:      recordString(record, "current_step"),
		CheckpointData:   recordJSONMap(record, "checkpoint_data"),
		ProgressBaseline: recordFloat(record, "progress_baseline"),
		LastCheckpointAt: recordFloat(record, "last_checkpoint_pct"),
		HeartbeatAt:      recordTime(record, "heartbeat_at"),
		RetryCount:       recordInt(record, "retry_count"),
		RecoveryPriority: recordInt(record, "recovery_priority"),
		Error:            recordString(record, "error"),
		CreatedAt:        recordTime(record, "created_at"),
		UpdatedAt:        recordTime(record, "updated_at"),
	}

	if raw := recordString(record, "skipped_phases"); raw != "" && raw != "{}" {
		var skipped map[string]string
		if err := json.Unmarshal([]byte(raw), &skipped); err == nil {
			run.SkippedPhases = skipped
		}
	}

	return run
}

// Insert creates a new run row
func (s *Neo4jRunStore) Insert(ctx context.Context, run *models.Run) error {
	params, err := runParams(run)
	if err != nil {
		return err
	}

	query := `
		CREATE (r:Run {id: $id, document_id: $document_id, user_id: $user_id,
		               status: $status, current_step: $current_step,
		               checkpoint_data: $checkpoint_data,
		               progress_baseline: $progress_baseline,
		               last_checkpoint_pct: $last_checkpoint_pct,
		               heartbeat_at: $heartbeat_at, retry_count: $retry_count,
		               recovery_priority: $recovery_priority, error: $error,
		               skipped_phases: $skipped_phases,
		               created_at: $created_at, updated_at: $updated_at})`

	if _, err := s.neo4j.ExecuteQuery(ctx, query, params); err != nil {
		return engerrors.Database("failed to insert run", err)
	}

	return nil
}

// Update persists the current run state
func (s *Neo4jRunStore) Update(ctx context.Context, run *models.Run) error {
	params, err := runParams(run)
	if err != nil {
		return err
	}

	query := `
		MATCH (r:Run {id: $id})
		SET r.status = $status, r.current_step = $current_step,
		    r.checkpoint_data = $checkpoint_data,
		    r.progress_baseline = $progress_baseline,
		    r.last_checkpoint_pct = $last_checkpoint_pct,
		    r.heartbeat_at = $heartbeat_at, r.retry_count = $retry_count,
		    r.recovery_priority = $recovery_priority, r.error = $error,
		    r.skipped_phases = $skipped_phases, r.updated_at = $updated_at`

	if _, err := s.neo4j.ExecuteQuery(ctx, query, params); err != nil {
		return engerrors.Database("failed to update run", err)
	}

	return nil
}

// FindByID returns one run by id, or NOT_FOUND
func (s *Neo4jRunStore) FindByID(ctx context.Context, runID string) (*models.Run, error) {
	query := `MATCH (r:Run {id: $id})` + runReturnClause

	result, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{"id": runID})
	if err != nil {
		return nil, engerrors.Database("failed to query run", err)
	}
	if len(result.Records) == 0 {
		return nil, engerrors.NotFound("run not found")
	}

	return recordToRun(result.Records[0]), nil
}

// FindActive returns the most recent non-terminal run for (document, user)
func (s *Neo4jRunStore) FindActive(ctx context.Context, documentID, userID string) (*models.Run, error) {
	query := `
		MATCH (r:Run {document_id: $document_id, user_id: $user_id})
		WHERE NOT r.status IN ['completed', 'failed', 'cancelled', 'partial']
		` + runReturnClause + `
		ORDER BY r.created_at DESC
		LIMIT 1`

	result, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{
		"document_id": documentID,
		"user_id":     userID,
	})
	if err != nil {
		return nil, engerrors.Database("failed to query active run", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}

	return recordToRun(result.Records[0]), nil
}

// FindCompleted returns a completed run for (document, user), or nil
func (s *Neo4jRunStore) FindCompleted(ctx context.Context, documentID, userID string) (*models.Run, error) {
	query := `
		MATCH (r:Run {document_id: $document_id, user_id: $user_id, status: 'completed'})
		` + runReturnClause + `
		ORDER BY r.updated_at DESC
		LIMIT 1`

	result, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{
		"document_id": documentID,
		"user_id":     userID,
	})
	if err != nil {
		return nil, engerrors.Database("failed to query completed run", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}

	return recordToRun(result.Records[0]), nil
}

// FindStale returns recoverable runs with a heartbeat older than cutoff,
// highest recovery priority first, oldest update first within a priority.
func (s *Neo4jRunStore) FindStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	query := `
		MATCH (r:Run)
		WHERE r.status IN ['processing', 'checkpoint', 'partial', 'orphaned']
		  AND r.heartbeat_at < $cutoff
		` + runReturnClause + `
		ORDER BY r.recovery_priority DESC, r.updated_at ASC`

	result, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{
		"cutoff": cutoff.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, engerrors.Database("failed to query stale runs", err)
	}

	runs := make([]*models.Run, 0, len(result.Records))
	for _, record := range result.Records {
		runs = append(runs, recordToRun(record))
	}

	return runs, nil
}

// InsertCheckpoint writes a new checkpoint row. Checkpoints are immutable:
// the MERGE key means a duplicate name within a run is a no-op, never an
// overwrite.
func (s *Neo4jRunStore) InsertCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	recoverable := "{}"
	if cp.RecoverableData != nil {
		data, err := json.Marshal(cp.RecoverableData)
		if err != nil {
			return engerrors.Validation("recoverable data is not serializable", nil)
		}
		recoverable = string(data)
	}

	query := `
		MERGE (c:Checkpoint {run_id: $run_id, name: $name})
		ON CREATE SET c.progress_percent = $progress_percent,
		              c.recoverable_data = $recoverable_data,
		              c.validity_hash = $validity_hash,
		              c.created_at = $created_at`

	if _, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{
		"run_id":           cp.RunID,
		"name":             cp.Name,
		"progress_percent": cp.ProgressPercent,
		"recoverable_data": recoverable,
		"validity_hash":    cp.ValidityHash,
		"created_at":       cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return engerrors.Database("failed to insert checkpoint", err)
	}

	return nil
}

// LastCheckpoint returns the highest-progress checkpoint for a run, or nil
func (s *Neo4jRunStore) LastCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error) {
	query := `
		MATCH (c:Checkpoint {run_id: $run_id})
		RETURN c.name as name, c.progress_percent as progress_percent,
		       c.recoverable_data as recoverable_data,
		       c.validity_hash as validity_hash, c.created_at as created_at
		ORDER BY c.progress_percent DESC
		LIMIT 1`

	result, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{"run_id": runID})
	if err != nil {
		return nil, engerrors.Database("failed to query checkpoint", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}

	return recordToCheckpoint(result.Records[0], runID), nil
}

// Checkpoints returns every checkpoint for a run in progress order
func (s *Neo4jRunStore) Checkpoints(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	query := `
		MATCH (c:Checkpoint {run_id: $run_id})
		RETURN c.name as name, c.progress_percent as progress_percent,
		       c.recoverable_data as recoverable_data,
		       c.validity_hash as validity_hash, c.created_at as created_at
		ORDER BY c.progress_percent ASC`

	result, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{"run_id": runID})
	if err != nil {
		return nil, engerrors.Database("failed to query checkpoints", err)
	}

	checkpoints := make([]*models.Checkpoint, 0, len(result.Records))
	for _, record := range result.Records {
		checkpoints = append(checkpoints, recordToCheckpoint(record, runID))
	}

	return checkpoints, nil
}

func recordToCheckpoint(record *neo4j.Record, runID string) *models.Checkpoint {
	return &models.Checkpoint{
		RunID:           runID,
		Name:            recordString(record, "name"),
		ProgressPercent: recordFloat(record, "progress_percent"),
		RecoverableData: recordJSONMap(record, "recoverable_data"),
		ValidityHash:    recordString(record, "validity_hash"),
		CreatedAt:       recordTime(record, "created_at"),
	}
}
