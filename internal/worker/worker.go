package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/models"
	"github.com/clausewise/analysis-engine/internal/services"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// dequeueTimeout bounds each blocking pop so workers notice shutdown
const dequeueTimeout = 5 * time.Second

// Pool pulls queued run ids and drives each through the full pipeline:
// resolve artifacts, extract diagrams, orchestrate phases, synthesize.
// Checkpoints land at phase boundaries; a heartbeat ticker keeps the run
// out of the orphan sweep while work is in flight.
type Pool struct {
	registry     *services.RunRegistry
	artifacts    *services.ArtifactService
	diagrams     *services.DiagramExtractor
	orchestrator *services.PhaseOrchestrator
	progress     *services.ProgressSequencer
	queue        services.RunQueue
	fetcher      services.DocumentFetcher
	compute      services.ComputeFactory
	events       services.EventBus
	metrics      *metrics.Metrics
	logger       *logger.Logger
	cfg          config.EngineConfig

	graph *models.PhaseGraph

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates the worker pool
func NewPool(
	registry *services.RunRegistry,
	artifacts *services.ArtifactService,
	diagrams *services.DiagramExtractor,
	orchestrator *services.PhaseOrchestrator,
	progress *services.ProgressSequencer,
	queue services.RunQueue,
	fetcher services.DocumentFetcher,
	compute services.ComputeFactory,
	events services.EventBus,
	graph *models.PhaseGraph,
	m *metrics.Metrics,
	cfg config.EngineConfig,
	log *logger.Logger,
) *Pool {
	p := &Pool{
		registry:     registry,
		artifacts:    artifacts,
		diagrams:     diagrams,
		orchestrator: orchestrator,
		progress:     progress,
		queue:        queue,
		fetcher:      fetcher,
		compute:      compute,
		events:       events,
		metrics:      m,
		logger:       log.WithService("worker"),
		cfg:          cfg,
		graph:        graph,
		stop:         make(chan struct{}),
	}

	// Checkpoints follow phase completion so recovery resumes from the
	// last finished phase, never mid-phase.
	orchestrator.OnPhaseComplete = p.checkpointPhase
	return p
}

// Start launches the configured number of workers
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.WorkerCount))
}

// Stop signals the workers and waits for in-flight runs to finish
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithContext(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		runID, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			continue
		}
		if runID == "" {
			if depth, err := p.queue.Len(ctx); err == nil {
				p.metrics.SetQueueDepth(depth)
			}
			continue
		}

		if err := p.Process(ctx, runID); err != nil {
			log.Error("run processing failed",
				zap.String("run_id", runID),
				zap.Error(err),
			)
		}
	}
}

// Process drives one run end to end. Safe to call with a run that another
// worker already finished: the resume validation short-circuits it.
func (p *Pool) Process(ctx context.Context, runID string) error {
	run, err := p.registry.FindByID(ctx, runID)
	if err != nil {
		return err
	}
	log := p.logger.WithRunID(run.ID)

	switch run.Status {
	case models.RunQueued:
		if err := p.registry.MarkStatus(ctx, run, models.RunStarted); err != nil {
			return err
		}
	case models.RunRecovering:
		validation, err := p.registry.ValidateResume(ctx, run)
		if err != nil {
			return err
		}
		if !validation.Valid {
			if validation.Reason == "already_completed" {
				return p.registry.MarkStatus(ctx, run, models.RunCompleted)
			}
			log.Info("recovered run not resumable",
				zap.String("reason", validation.Reason),
			)
			return nil
		}
	default:
		log.Info("skipping run in unexpected status",
			zap.String("status", string(run.Status)),
		)
		return nil
	}

	startEvent := services.EventRunStarted
	if run.Status == models.RunRecovering {
		startEvent = services.EventRunResumed
	}
	if err := p.registry.MarkStatus(ctx, run, models.RunProcessing); err != nil {
		return err
	}
	_ = p.events.PublishRunEvent(ctx, startEvent, run, nil)

	// A force-restarted run opens its stream with a manual emission at
	// the rewound baseline, the one sanctioned downward jump clients see.
	if startEvent == services.EventRunStarted && run.ProgressBaseline > 0 {
		_ = p.progress.Emit(ctx, run, run.CurrentStep, run.ProgressBaseline, "restarted from checkpoint", true)
	}

	p.metrics.IncRunsActive()
	defer p.metrics.DecRunsActive()
	start := time.Now()

	// The run context ends when the run is cancelled externally; the
	// heartbeat goroutine watches for that.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := p.startHeartbeat(runCtx, cancel, run)
	defer stopHeartbeat()

	report, err := p.execute(runCtx, run)

	// Stop the heartbeat before the terminal status lands so a late
	// liveness refresh never overwrites it.
	stopHeartbeat()

	if err != nil {
		return p.finishFailed(ctx, run, err, start)
	}

	return p.finish(ctx, run, report, start)
}

// execute performs the pipeline stages under the run context
func (p *Pool) execute(ctx context.Context, run *models.Run) (*models.RunReport, error) {
	source, err := p.fetcher.FetchDocument(ctx, run.DocumentID)
	if err != nil {
		return nil, engerrors.TransientIO("failed to fetch document bytes", err)
	}

	address := p.artifacts.Address(source.Raw, source.Params)
	set, err := p.artifacts.ResolveOrCompute(ctx, address, models.ArtifactPageText, source.Pages, p.compute(source))
	if err != nil {
		return nil, err
	}

	if err := p.artifacts.LinkUser(ctx, run.UserID, run.DocumentID, set, models.ArtifactPageText); err != nil {
		return nil, err
	}

	if _, err := p.diagrams.Extract(ctx, set); err != nil {
		// Diagrams are an optional input downstream; their loss degrades
		// confidence rather than failing the run.
		p.logger.Warn("diagram extraction failed",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}

	// Re-resolve so extracted sub-images are visible to the phases.
	set, err = p.artifacts.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	p.checkpoint(ctx, run, "artifacts_resolved", 20, map[string]interface{}{
		"content_hmac":      address.ContentHMAC,
		"algorithm_version": address.AlgorithmVersion,
	})
	_ = p.progress.Emit(ctx, run, "artifacts_resolved", 20, "document artifacts ready", false)

	// Seed phases the run already finished so only unfinished work
	// replays. A fresh run has no checkpoints and seeds nothing; a
	// force-restarted run carries one checkpoint's data copied from
	// the run it superseded.
	completed, err := p.registry.CompletedPhases(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if seed := services.DecodePhaseResult(run.CheckpointData); seed != nil {
		if _, ok := completed[seed.Phase]; !ok {
			completed[seed.Phase] = seed
		}
	}

	results, err := p.orchestrator.Execute(ctx, run, set, completed)
	if err != nil {
		return nil, err
	}

	return services.Synthesize(run, p.graph, results), nil
}

func (p *Pool) finish(ctx context.Context, run *models.Run, report *models.RunReport, start time.Time) error {
	run.SkippedPhases = report.SkippedPhases
	if err := p.registry.MarkStatus(ctx, run, report.Status); err != nil {
		return err
	}

	_ = p.progress.Emit(ctx, run, "synthesis", 100, "analysis complete", false)
	p.progress.Forget(run.ID)

	eventType := services.EventRunCompleted
	if report.Status == models.RunPartial {
		eventType = services.EventRunPartial
	}
	_ = p.events.PublishRunEvent(ctx, eventType, run, map[string]interface{}{
		"skipped_phases": report.SkippedPhases,
		"contradictions": report.Contradictions,
	})

	p.metrics.RecordRunFinished(string(report.Status), time.Since(start))
	p.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(report.Status)),
		zap.Int("skipped", len(report.SkippedPhases)),
	)
	return nil
}

func (p *Pool) finishFailed(ctx context.Context, run *models.Run, cause error, start time.Time) error {
	status := models.RunFailed
	eventType := services.EventRunFailed
	if engerrors.Code(cause) == engerrors.ErrRunCancelled {
		status = models.RunCancelled
		eventType = services.EventRunCancelled
	}

	run.Error = cause.Error()
	if err := p.registry.MarkStatus(ctx, run, status); err != nil {
		p.logger.Error("failed to record terminal status",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}
	p.progress.Forget(run.ID)

	_ = p.events.PublishRunEvent(ctx, eventType, run, map[string]interface{}{
		"error": cause.Error(),
	})
	p.metrics.RecordRunFinished(string(status), time.Since(start))
	return cause
}

// startHeartbeat refreshes the run's liveness marker and watches for an
// external cancellation, which it turns into run context cancellation so
// the orchestrator stops dispatching phases.
func (p *Pool) startHeartbeat(ctx context.Context, cancel context.CancelFunc, run *models.Run) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fresh, err := p.registry.FindByID(ctx, run.ID)
				if err != nil {
					p.logger.Warn("heartbeat reload failed",
						zap.String("run_id", run.ID),
						zap.Error(err),
					)
					continue
				}
				if fresh.Status == models.RunCancelled {
					p.logger.Info("run cancelled externally",
						zap.String("run_id", run.ID),
					)
					cancel()
					return
				}
				// Refresh through the fresh copy; the worker goroutine
				// owns the original struct.
				if err := p.registry.Heartbeat(ctx, fresh); err != nil {
					p.logger.Warn("heartbeat update failed",
						zap.String("run_id", run.ID),
						zap.Error(err),
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// checkpointPhase is the orchestrator's phase-boundary hook
func (p *Pool) checkpointPhase(ctx context.Context, run *models.Run, node *models.PhaseNode, result *models.PhaseResult) {
	recoverable := map[string]interface{}{
		"phase":  node.Name,
		"result": services.EncodePhaseResult(result),
	}
	p.checkpoint(ctx, run, node.Name, node.ProgressPercent, recoverable)
	_ = p.events.PublishRunEvent(ctx, services.EventPhaseCompleted, run, map[string]interface{}{
		"phase":       node.Name,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// checkpoint records a checkpoint, tolerating rejection: a replayed phase
// on the recovery path reports a percent at or below the stored one, and
// that is expected, not an error.
func (p *Pool) checkpoint(ctx context.Context, run *models.Run, name string, percent float64, recoverable map[string]interface{}) {
	if err := p.registry.RecordCheckpoint(ctx, run, name, percent, recoverable); err != nil {
		if engerrors.Code(err) == engerrors.ErrCheckpointRejected {
			p.logger.Debug("checkpoint rejected on replay",
				zap.String("run_id", run.ID),
				zap.String("checkpoint", name),
			)
			return
		}
		p.logger.Error("checkpoint write failed",
			zap.String("run_id", run.ID),
			zap.String("checkpoint", name),
			zap.Error(err),
		)
	}
}
