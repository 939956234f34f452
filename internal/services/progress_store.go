package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clausewise/analysis-engine/internal/database"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// Neo4jProgressStore keeps one Progress node per run holding the last
// accepted emission, so late subscribers can replay current state.
type Neo4jProgressStore struct {
	neo4j  *database.Neo4jClient
	logger *logger.Logger
}

// NewNeo4jProgressStore creates the Neo4j-backed progress store
func NewNeo4jProgressStore(client *database.Neo4jClient, log *logger.Logger) *Neo4jProgressStore {
	return &Neo4jProgressStore{
		neo4j:  client,
		logger: log.WithService("progress_store"),
	}
}

// Last returns the last accepted emission for a run, or nil when the run
// has emitted nothing yet.
func (s *Neo4jProgressStore) Last(ctx context.Context, runID string) (*models.ProgressEvent, error) {
	query := `
		MATCH (p:Progress {run_id: $run_id})
		RETURN p.run_id as run_id, p.document_id as document_id,
		       p.step_key as step_key, p.percent as percent,
		       p.description as description, p.manual as manual,
		       p.emitted_at as emitted_at`

	result, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{"run_id": runID})
	if err != nil {
		return nil, engerrors.Database("failed to query progress", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}

	record := result.Records[0]
	return &models.ProgressEvent{
		RunID:       recordString(record, "run_id"),
		DocumentID:  recordString(record, "document_id"),
		StepKey:     recordString(record, "step_key"),
		Percent:     recordFloat(record, "percent"),
		Description: recordString(record, "description"),
		Manual:      recordBool(record, "manual"),
		EmittedAt:   recordTime(record, "emitted_at"),
	}, nil
}

// Save upserts the run's progress node with the accepted emission
func (s *Neo4jProgressStore) Save(ctx context.Context, event *models.ProgressEvent) error {
	query := `
		MERGE (p:Progress {run_id: $run_id})
		SET p.document_id = $document_id, p.step_key = $step_key,
		    p.percent = $percent, p.description = $description,
		    p.manual = $manual, p.emitted_at = $emitted_at`

	if _, err := s.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{
		"run_id":      event.RunID,
		"document_id": event.DocumentID,
		"step_key":    event.StepKey,
		"percent":     event.Percent,
		"description": event.Description,
		"manual":      event.Manual,
		"emitted_at":  event.EmittedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return engerrors.Database("failed to save progress", err)
	}

	return nil
}

// progressCacheTTL bounds how long a stale last-value entry can outlive its
// run in Redis.
const progressCacheTTL = 24 * time.Hour

// CachedProgressStore layers a Redis last-value cache over another store.
// Replay reads hit Redis first; the inner store stays the durable record.
type CachedProgressStore struct {
	inner  ProgressStore
	redis  *database.RedisClient
	logger *logger.Logger
}

// NewCachedProgressStore wraps inner with a Redis last-value cache
func NewCachedProgressStore(inner ProgressStore, redis *database.RedisClient, log *logger.Logger) *CachedProgressStore {
	return &CachedProgressStore{
		inner:  inner,
		redis:  redis,
		logger: log.WithService("progress_cache"),
	}
}

func progressCacheKey(runID string) string {
	return "progress:last:" + runID
}

// Last returns the cached last emission, falling back to the inner store
func (s *CachedProgressStore) Last(ctx context.Context, runID string) (*models.ProgressEvent, error) {
	if raw, err := s.redis.Get(ctx, progressCacheKey(runID)); err == nil && raw != "" {
		var event models.ProgressEvent
		if err := json.Unmarshal([]byte(raw), &event); err == nil {
			return &event, nil
		}
	}
	return s.inner.Last(ctx, runID)
}

// Save writes through to the inner store, then refreshes the cache. A cache
// write failure is logged, not surfaced: the durable row already landed.
func (s *CachedProgressStore) Save(ctx context.Context, event *models.ProgressEvent) error {
	if err := s.inner.Save(ctx, event); err != nil {
		return err
	}

	if raw, err := json.Marshal(event); err == nil {
		if err := s.redis.Set(ctx, progressCacheKey(event.RunID), string(raw), progressCacheTTL); err != nil {
			s.logger.Warn("failed to refresh progress cache: " + err.Error())
		}
	}
	return nil
}
