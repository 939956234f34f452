package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// PhaseOrchestrator executes the analysis DAG for one run. Phases move
// pending -> ready -> running -> done/failed/skipped; a phase is ready the
// moment every predecessor is done, and all ready phases dispatch together,
// bounded by the fan-out semaphore. Units inside a phase run concurrently
// and the phase completes only when all of them return.
type PhaseOrchestrator struct {
	graph    *models.PhaseGraph
	units    UnitRegistry
	progress *ProgressSequencer
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      config.EngineConfig

	// OnPhaseComplete, when set, runs after a phase reaches done and
	// before its dependents dispatch. The worker records checkpoints at
	// phase boundaries through it.
	OnPhaseComplete func(ctx context.Context, run *models.Run, node *models.PhaseNode, result *models.PhaseResult)
}

// NewPhaseOrchestrator validates the graph and unit wiring, then builds the
// orchestrator. Validation failures are configuration defects: the process
// must not start with a broken DAG.
func NewPhaseOrchestrator(graph *models.PhaseGraph, units UnitRegistry, progress *ProgressSequencer, m *metrics.Metrics, cfg config.EngineConfig, log *logger.Logger) (*PhaseOrchestrator, error) {
	if err := graph.Validate(); err != nil {
		return nil, engerrors.GraphInvalid(err.Error(), nil)
	}
	if err := units.ValidateAgainst(graph); err != nil {
		return nil, err
	}

	return &PhaseOrchestrator{
		graph:    graph,
		units:    units,
		progress: progress,
		metrics:  m,
		logger:   log.WithService("orchestrator"),
		cfg:      cfg,
	}, nil
}

// Execute runs the full DAG over the resolved artifacts and returns the
// per-phase results. Cancellation is cooperative: in-flight phases finish,
// no further phases dispatch, and the error carries the RUN_CANCELLED code.
// A failed phase skips its transitive dependents with a recorded reason and
// execution continues to whatever terminal synthesis remains reachable.
// Phases in completed are seeded done with their prior results and never
// re-dispatched; a resumed run passes the results reconstructed from its
// checkpoints so only unfinished phases replay.
func (o *PhaseOrchestrator) Execute(ctx context.Context, run *models.Run, artifacts *models.ArtifactSet, completed map[string]*models.PhaseResult) (map[string]*models.PhaseResult, error) {
	states := make(map[string]models.PhaseState, len(o.graph.Nodes))
	results := make(map[string]*models.PhaseResult, len(o.graph.Nodes))
	for name := range o.graph.Nodes {
		states[name] = models.PhasePending
	}
	for name, result := range completed {
		if _, ok := o.graph.Nodes[name]; !ok || result == nil || result.State != models.PhaseDone {
			continue
		}
		states[name] = models.PhaseDone
		results[name] = result
	}

	sem := semaphore.NewWeighted(int64(o.cfg.PhaseFanoutLimit))
	var mu sync.Mutex

	for {
		if err := ctx.Err(); err != nil {
			o.markUndispatched(states, results, "run_cancelled")
			return results, engerrors.New(engerrors.ErrRunCancelled, "run cancelled between phases", map[string]interface{}{
				"run_id": run.ID,
			})
		}

		ready := o.readyPhases(states)
		if len(ready) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, name := range ready {
			states[name] = models.PhaseReady
		}
		for _, name := range ready {
			node := o.graph.Nodes[name]
			states[name] = models.PhaseRunning

			// Snapshot upstream results before dispatch: sibling phases
			// in this wave write the shared results map concurrently.
			inputs := make(map[string]*models.PhaseResult, len(node.DependsOn))
			for _, dep := range node.DependsOn {
				inputs[dep] = results[dep]
			}

			g.Go(func() error {
				result := o.runPhase(gctx, run, node, artifacts, inputs, sem)

				mu.Lock()
				results[node.Name] = result
				states[node.Name] = result.State
				mu.Unlock()

				o.metrics.RecordPhase(node.Name, string(result.State), result.Duration)
				return nil
			})
		}
		// Phases never abort the group; failures are encoded in states.
		_ = g.Wait()

		for _, name := range ready {
			result := results[name]
			switch result.State {
			case models.PhaseDone:
				o.logger.LogPhaseTransition(run.ID, name, string(models.PhaseRunning), string(models.PhaseDone))
				node := o.graph.Nodes[name]
				if o.progress != nil {
					desc := fmt.Sprintf("%s complete", name)
					_ = o.progress.Emit(ctx, run, name, node.ProgressPercent, desc, false)
				}
				if o.OnPhaseComplete != nil {
					o.OnPhaseComplete(ctx, run, node, result)
				}
			case models.PhaseFailed:
				o.logger.Warn("phase failed",
					zap.String("run_id", run.ID),
					zap.String("phase", name),
					zap.String("reason", result.Reason),
				)
				o.skipDependents(states, results, name)
			}
		}
	}

	return results, nil
}

// readyPhases returns the pending phases whose predecessors are all done
func (o *PhaseOrchestrator) readyPhases(states map[string]models.PhaseState) []string {
	var ready []string
	for _, name := range o.graph.SortedNames() {
		if states[name] != models.PhasePending {
			continue
		}
		eligible := true
		for _, dep := range o.graph.Nodes[name].DependsOn {
			if states[dep] != models.PhaseDone {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, name)
		}
	}
	return ready
}

// skipDependents marks every transitive dependent of a failed phase as
// skipped. Skips are explicit: the final report lists each one with its
// reason, never a silent subset.
func (o *PhaseOrchestrator) skipDependents(states map[string]models.PhaseState, results map[string]*models.PhaseResult, failed string) {
	reason := fmt.Sprintf("dependency_failed: %s", failed)
	for _, dep := range o.graph.TransitiveDependents(failed) {
		if states[dep] != models.PhasePending {
			continue
		}
		states[dep] = models.PhaseSkipped
		results[dep] = &models.PhaseResult{
			Phase:  dep,
			State:  models.PhaseSkipped,
			Reason: reason,
		}
	}
}

// markUndispatched marks every still-pending phase skipped with reason,
// used when cancellation stops dispatch.
func (o *PhaseOrchestrator) markUndispatched(states map[string]models.PhaseState, results map[string]*models.PhaseResult, reason string) {
	for name, state := range states {
		if state == models.PhasePending || state == models.PhaseReady {
			states[name] = models.PhaseSkipped
			results[name] = &models.PhaseResult{
				Phase:  name,
				State:  models.PhaseSkipped,
				Reason: reason,
			}
		}
	}
}

// runPhase dispatches the phase's units concurrently and folds their
// outcomes into one result. A critical unit failure fails the phase; a
// non-critical failure degrades to a warning plus a fallback value.
func (o *PhaseOrchestrator) runPhase(ctx context.Context, run *models.Run, node *models.PhaseNode, artifacts *models.ArtifactSet, inputs map[string]*models.PhaseResult, sem *semaphore.Weighted) *models.PhaseResult {
	start := time.Now()
	result := &models.PhaseResult{
		Phase: node.Name,
		Units: make(map[string]*models.UnitResult, len(node.Units)),
	}

	// Optional inputs never gate dispatch, their absence is a recorded
	// confidence warning.
	for _, input := range node.OptionalInputs {
		if input == OptionalInputDiagrams && len(artifacts.ByKind(models.ArtifactSubImage)) == 0 {
			result.Warnings = append(result.Warnings, "no extracted diagrams available, confidence reduced")
		}
	}

	var mu sync.Mutex
	var failedCritical []string

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range node.Units {
		spec := spec
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				if spec.Critical {
					failedCritical = append(failedCritical, spec.Name)
				}
				result.Units[spec.Name] = fallbackResult(spec.Name, "cancelled before dispatch")
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			unitResult, err := o.runUnit(gctx, run, spec, artifacts, inputs)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if spec.Critical {
					failedCritical = append(failedCritical, spec.Name)
					result.Units[spec.Name] = fallbackResult(spec.Name, err.Error())
				} else {
					result.Warnings = append(result.Warnings, fmt.Sprintf("unit %s failed: %v", spec.Name, err))
					result.Units[spec.Name] = fallbackResult(spec.Name, err.Error())
				}
				return nil
			}
			result.Units[spec.Name] = unitResult
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	if len(failedCritical) > 0 {
		result.State = models.PhaseFailed
		result.Reason = fmt.Sprintf("critical units failed: %v", failedCritical)
	} else {
		result.State = models.PhaseDone
	}
	return result
}

// runUnit invokes one analyzer unit with its timeout and retry policy.
// Only transient I/O failures retry, with exponential backoff, up to the
// configured budget. A timeout surfaces as UNIT_TIMEOUT and is never
// retried: the unit already consumed its time slice.
func (o *PhaseOrchestrator) runUnit(ctx context.Context, run *models.Run, spec models.UnitSpec, artifacts *models.ArtifactSet, upstream map[string]*models.PhaseResult) (*models.UnitResult, error) {
	unit := o.units[spec.Name]

	var lastErr error
	for attempt := 0; attempt <= o.cfg.UnitRetryBudget; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.RetryBackoffBase * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, engerrors.TransientIO("cancelled during retry backoff", ctx.Err())
			case <-time.After(backoff):
			}
			o.metrics.IncUnitRetries(spec.Name)
		}

		uctx, cancel := context.WithTimeout(ctx, o.cfg.UnitTimeout)
		start := time.Now()
		unitResult, err := unit.Analyze(uctx, artifacts, upstream)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			o.logger.LogServiceCall("analyzer", spec.Name, elapsed.Seconds()*1000, nil)
			return unitResult, nil
		}

		if uctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, engerrors.UnitTimeout(spec.Name, map[string]interface{}{
				"run_id":  run.ID,
				"timeout": o.cfg.UnitTimeout.String(),
			})
		}

		lastErr = err
		if !engerrors.Retryable(err) {
			return nil, err
		}
		o.logger.Warn("analyzer unit failed, will retry",
			zap.String("run_id", run.ID),
			zap.String("unit", spec.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return nil, engerrors.DependencyFailure(
		fmt.Sprintf("unit %s exhausted its retry budget", spec.Name),
		map[string]interface{}{"last_error": lastErr.Error()},
	)
}

// fallbackResult synthesizes the degraded stand-in value recorded when a
// unit fails.
func fallbackResult(name, reason string) *models.UnitResult {
	return &models.UnitResult{
		Unit:       name,
		Confidence: 0,
		Fallback:   true,
		Warnings:   []string{reason},
	}
}
