package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

type registryTestEnv struct {
	registry *RunRegistry
	store    *memRunStore
	queue    *memQueue
	bus      *memBus
}

func setupRegistryTest(t *testing.T) *registryTestEnv {
	t.Helper()
	store := newMemRunStore()
	queue := &memQueue{}
	bus := &memBus{}
	registry := NewRunRegistry(store, queue, bus, sharedMetrics(), testEngineConfig(), logger.NewNop())
	return &registryTestEnv{registry: registry, store: store, queue: queue, bus: bus}
}

// startProcessing walks a queued run through the legal transitions to
// processing.
func startProcessing(t *testing.T, env *registryTestEnv, run *models.Run) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.registry.MarkStatus(ctx, run, models.RunStarted))
	require.NoError(t, env.registry.MarkStatus(ctx, run, models.RunProcessing))
}

func TestStartOrResume(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate submission returns the active run", func(t *testing.T) {
		env := setupRegistryTest(t)
		first, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		assert.Equal(t, models.RunQueued, first.Status)

		second, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		depth, err := env.queue.Len(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, depth, "duplicate submission must not enqueue a second time")
	})

	t.Run("different users get independent runs for the same document", func(t *testing.T) {
		env := setupRegistryTest(t)
		a, err := env.registry.StartOrResume(ctx, "doc-1", "user-a", false, "")
		require.NoError(t, err)
		b, err := env.registry.StartOrResume(ctx, "doc-1", "user-b", false, "")
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("completed document short-circuits", func(t *testing.T) {
		env := setupRegistryTest(t)
		run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		startProcessing(t, env, run)
		require.NoError(t, env.registry.MarkStatus(ctx, run, models.RunCompleted))

		_, err = env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.Error(t, err)
		assert.Equal(t, engerrors.ErrAlreadyCompleted, engerrors.Code(err))
	})

	t.Run("force restart cancels the active run and seeds the baseline", func(t *testing.T) {
		env := setupRegistryTest(t)
		run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		startProcessing(t, env, run)
		require.NoError(t, env.registry.RecordCheckpoint(ctx, run, "artifacts_resolved", 20, map[string]interface{}{
			"content_hmac": "abc123",
		}))

		restarted, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", true, "artifacts_resolved")
		require.NoError(t, err)
		assert.NotEqual(t, run.ID, restarted.ID)
		assert.Equal(t, models.RunQueued, restarted.Status)
		assert.Equal(t, 20.0, restarted.ProgressBaseline)
		assert.Equal(t, 20.0, restarted.LastCheckpointAt)
		assert.Equal(t, "artifacts_resolved", restarted.CurrentStep)
		assert.Equal(t, "abc123", restarted.CheckpointData["content_hmac"])

		prior, err := env.store.FindByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunCancelled, prior.Status)
	})

	t.Run("force restart from an unknown step restarts from zero", func(t *testing.T) {
		env := setupRegistryTest(t)
		run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		startProcessing(t, env, run)

		restarted, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", true, "no_such_step")
		require.NoError(t, err)
		assert.Zero(t, restarted.ProgressBaseline)
		assert.Zero(t, restarted.LastCheckpointAt)
		assert.Empty(t, restarted.CurrentStep)
		assert.Nil(t, restarted.CheckpointData)
	})
}

func TestRecordCheckpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted checkpoint advances the run", func(t *testing.T) {
		env := setupRegistryTest(t)
		run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		startProcessing(t, env, run)

		require.NoError(t, env.registry.RecordCheckpoint(ctx, run, "intake", 40, map[string]interface{}{"phase": "intake"}))
		assert.Equal(t, "intake", run.CurrentStep)
		assert.Equal(t, 40.0, run.LastCheckpointAt)

		cp, err := env.store.LastCheckpoint(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, "intake", cp.Name)
		assert.Equal(t, RecoverableHash(cp.RecoverableData), cp.ValidityHash)
	})

	t.Run("checkpoints are strictly monotonic within a run", func(t *testing.T) {
		env := setupRegistryTest(t)
		run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		startProcessing(t, env, run)
		require.NoError(t, env.registry.RecordCheckpoint(ctx, run, "intake", 40, nil))

		err = env.registry.RecordCheckpoint(ctx, run, "stale", 30, nil)
		require.Error(t, err)
		assert.Equal(t, engerrors.ErrCheckpointRejected, engerrors.Code(err))

		// An equal percent is a duplicate, also rejected.
		err = env.registry.RecordCheckpoint(ctx, run, "intake", 40, nil)
		require.Error(t, err)
		assert.Equal(t, engerrors.ErrCheckpointRejected, engerrors.Code(err))

		// The run state is untouched by rejected writes.
		assert.Equal(t, "intake", run.CurrentStep)
		assert.Equal(t, 40.0, run.LastCheckpointAt)
	})
}

func TestCompletedPhases(t *testing.T) {
	ctx := context.Background()
	env := setupRegistryTest(t)
	run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
	require.NoError(t, err)
	startProcessing(t, env, run)

	intake := &models.PhaseResult{
		Phase: "intake",
		State: models.PhaseDone,
		Units: map[string]*models.UnitResult{
			"financial_terms": {Unit: "financial_terms", Confidence: 0.9, Payload: map[string]interface{}{"deposit": 50000.0}},
		},
	}
	require.NoError(t, env.registry.RecordCheckpoint(ctx, run, "artifacts_resolved", 20, map[string]interface{}{
		"content_hmac": "abc123",
	}))
	require.NoError(t, env.registry.RecordCheckpoint(ctx, run, "intake", 40, map[string]interface{}{
		"phase":  "intake",
		"result": EncodePhaseResult(intake),
	}))

	// A checkpoint whose hash no longer covers its data is not trusted.
	tampered := &models.Checkpoint{
		RunID:           run.ID,
		Name:            "settlement_logistics",
		ProgressPercent: 55,
		RecoverableData: map[string]interface{}{
			"phase":  "settlement_logistics",
			"result": EncodePhaseResult(&models.PhaseResult{Phase: "settlement_logistics", State: models.PhaseDone}),
		},
		ValidityHash: "bogus",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, env.store.InsertCheckpoint(ctx, tampered))

	completed, err := env.registry.CompletedPhases(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, completed, 1, "only the intake checkpoint carries a trusted phase result")
	got := completed["intake"]
	require.NotNil(t, got)
	assert.Equal(t, models.PhaseDone, got.State)
	require.NotNil(t, got.Units["financial_terms"])
	assert.Equal(t, 0.9, got.Units["financial_terms"].Confidence)
}

func TestMarkStatus(t *testing.T) {
	ctx := context.Background()
	env := setupRegistryTest(t)
	run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
	require.NoError(t, err)

	err = env.registry.MarkStatus(ctx, run, models.RunCompleted)
	require.Error(t, err, "queued cannot jump straight to completed")
	assert.Equal(t, engerrors.ErrInvalidTransition, engerrors.Code(err))
	assert.Equal(t, models.RunQueued, run.Status)

	require.NoError(t, env.registry.MarkStatus(ctx, run, models.RunStarted))
	require.NoError(t, env.registry.MarkStatus(ctx, run, models.RunProcessing))
	require.NoError(t, env.registry.MarkStatus(ctx, run, models.RunCompleted))

	err = env.registry.MarkStatus(ctx, run, models.RunProcessing)
	require.Error(t, err, "completed is terminal")
}

func TestDiscoverOrphaned(t *testing.T) {
	ctx := context.Background()
	env := setupRegistryTest(t)

	stale, err := env.registry.StartOrResume(ctx, "doc-stale", "user-1", false, "")
	require.NoError(t, err)
	startProcessing(t, env, stale)
	stale.HeartbeatAt = time.Now().Add(-time.Hour)
	require.NoError(t, env.store.Update(ctx, stale))

	fresh, err := env.registry.StartOrResume(ctx, "doc-fresh", "user-1", false, "")
	require.NoError(t, err)
	startProcessing(t, env, fresh)
	require.NoError(t, env.registry.Heartbeat(ctx, fresh))

	orphans, err := env.registry.DiscoverOrphaned(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, stale.ID, orphans[0].ID)
	assert.Equal(t, models.RunOrphaned, orphans[0].Status)

	// A second sweep returns the orphan without a second transition.
	orphans, err = env.registry.DiscoverOrphaned(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, models.RunOrphaned, orphans[0].Status)
}

func TestValidateResume(t *testing.T) {
	ctx := context.Background()

	t.Run("completed run resumes as no-op", func(t *testing.T) {
		env := setupRegistryTest(t)
		run := models.NewRun("doc-1", "user-1")
		run.Status = models.RunCompleted
		require.NoError(t, env.store.Insert(ctx, run))

		v, err := env.registry.ValidateResume(ctx, run)
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, "already_completed", v.Reason)
	})

	t.Run("terminal run does not resume", func(t *testing.T) {
		env := setupRegistryTest(t)
		run := models.NewRun("doc-1", "user-1")
		run.Status = models.RunFailed

		v, err := env.registry.ValidateResume(ctx, run)
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, "terminal", v.Reason)
	})

	t.Run("concurrent run that finished first makes resume a no-op", func(t *testing.T) {
		env := setupRegistryTest(t)
		orphan := models.NewRun("doc-1", "user-1")
		orphan.Status = models.RunOrphaned
		require.NoError(t, env.store.Insert(ctx, orphan))

		winner := models.NewRun("doc-1", "user-1")
		winner.Status = models.RunCompleted
		require.NoError(t, env.store.Insert(ctx, winner))

		v, err := env.registry.ValidateResume(ctx, orphan)
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, "already_completed", v.Reason)
	})

	t.Run("no checkpoint is a valid restart from zero", func(t *testing.T) {
		env := setupRegistryTest(t)
		run := models.NewRun("doc-1", "user-1")
		run.Status = models.RunOrphaned
		require.NoError(t, env.store.Insert(ctx, run))

		v, err := env.registry.ValidateResume(ctx, run)
		require.NoError(t, err)
		assert.True(t, v.Valid)
	})

	t.Run("intact checkpoint validates", func(t *testing.T) {
		env := setupRegistryTest(t)
		run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		startProcessing(t, env, run)
		require.NoError(t, env.registry.RecordCheckpoint(ctx, run, "intake", 40, map[string]interface{}{"k": "v"}))

		v, err := env.registry.ValidateResume(ctx, run)
		require.NoError(t, err)
		assert.True(t, v.Valid)
	})

	t.Run("tampered recoverable data is rejected", func(t *testing.T) {
		env := setupRegistryTest(t)
		run, err := env.registry.StartOrResume(ctx, "doc-1", "user-1", false, "")
		require.NoError(t, err)
		startProcessing(t, env, run)

		cp := &models.Checkpoint{
			RunID:           run.ID,
			Name:            "intake",
			ProgressPercent: 40,
			RecoverableData: map[string]interface{}{"k": "tampered"},
			ValidityHash:    RecoverableHash(map[string]interface{}{"k": "original"}),
			CreatedAt:       time.Now(),
		}
		require.NoError(t, env.store.InsertCheckpoint(ctx, cp))

		v, err := env.registry.ValidateResume(ctx, run)
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, "checkpoint_corrupt", v.Reason)
	})
}
