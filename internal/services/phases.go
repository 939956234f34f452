package services

import (
	"fmt"
	"time"

	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// Analyzer unit names. The orchestrator addresses units by name; the
// implementations behind them are registered at startup.
const (
	UnitPartiesProperty    = "parties_property"
	UnitConditions         = "conditions"
	UnitFinancialTerms     = "financial_terms"
	UnitChattelsInclusions = "chattels_inclusions"
	UnitLegalDescription   = "legal_description"

	UnitSettlementArithmetic = "settlement_date_arithmetic"
	UnitDepositSchedule      = "deposit_schedule"

	UnitTitleSearch       = "title_search"
	UnitEncumbranceReview = "encumbrance_review"

	UnitRatesAdjustment        = "rates_adjustment"
	UnitOutgoingsApportionment = "outgoings_apportionment"

	UnitFigureReconciliation = "figure_reconciliation"
)

// Phase names
const (
	PhaseIntake              = "intake"
	PhaseSettlementLogistics = "settlement_logistics"
	PhaseTitleEncumbrance    = "title_encumbrance"
	PhaseAdjustments         = "adjustments_outgoings"
	PhaseCrossValidation     = "cross_validation"
)

// OptionalInputDiagrams marks extracted diagram artifacts as an optional
// phase input. Absence lowers confidence, never blocks dispatch.
const OptionalInputDiagrams = "diagrams"

// ContractGraph returns the fixed analysis DAG for contract documents.
//
// The foundation phase runs the five baseline analyzers over the raw
// artifacts. Settlement logistics needs the conditions and financial terms
// outputs for its date arithmetic; title review needs the parties and
// property identification plus any extracted diagrams; adjustments need the
// financial terms. Cross validation gates on everything and reconciles
// figures that appear in more than one phase's output.
func ContractGraph() *models.PhaseGraph {
	return models.NewPhaseGraph(
		&models.PhaseNode{
			Name: PhaseIntake,
			Units: []models.UnitSpec{
				{Name: UnitPartiesProperty, Critical: true},
				{Name: UnitConditions, Critical: true},
				{Name: UnitFinancialTerms, Critical: true},
				{Name: UnitChattelsInclusions, Critical: false},
				{Name: UnitLegalDescription, Critical: false},
			},
			ProgressPercent: 40,
		},
		&models.PhaseNode{
			Name: PhaseSettlementLogistics,
			Units: []models.UnitSpec{
				{Name: UnitSettlementArithmetic, Critical: true},
				{Name: UnitDepositSchedule, Critical: false},
			},
			DependsOn:       []string{PhaseIntake},
			ProgressPercent: 55,
		},
		&models.PhaseNode{
			Name: PhaseTitleEncumbrance,
			Units: []models.UnitSpec{
				{Name: UnitTitleSearch, Critical: true},
				{Name: UnitEncumbranceReview, Critical: false},
			},
			DependsOn:       []string{PhaseIntake},
			OptionalInputs:  []string{OptionalInputDiagrams},
			ProgressPercent: 70,
		},
		&models.PhaseNode{
			Name: PhaseAdjustments,
			Units: []models.UnitSpec{
				{Name: UnitRatesAdjustment, Critical: true},
				{Name: UnitOutgoingsApportionment, Critical: false},
			},
			DependsOn:       []string{PhaseIntake},
			ProgressPercent: 80,
		},
		&models.PhaseNode{
			Name: PhaseCrossValidation,
			Units: []models.UnitSpec{
				{Name: UnitFigureReconciliation, Critical: true},
			},
			DependsOn: []string{
				PhaseIntake,
				PhaseSettlementLogistics,
				PhaseTitleEncumbrance,
				PhaseAdjustments,
			},
			Terminal:        true,
			ProgressPercent: 95,
		},
	)
}

// UnitRegistry maps unit names to their implementations
type UnitRegistry map[string]AnalyzerUnit

// Register adds a unit implementation, keyed by its name
func (r UnitRegistry) Register(unit AnalyzerUnit) {
	r[unit.Name()] = unit
}

// ValidateAgainst checks that every unit the graph names has an
// implementation registered. A missing unit is a wiring defect caught at
// startup, not at dispatch time.
func (r UnitRegistry) ValidateAgainst(graph *models.PhaseGraph) error {
	for _, name := range graph.SortedNames() {
		for _, spec := range graph.Nodes[name].Units {
			if _, ok := r[spec.Name]; !ok {
				return engerrors.FatalConfiguration(
					fmt.Sprintf("phase %s names unit %s but no implementation is registered", name, spec.Name), nil)
			}
		}
	}
	return nil
}

// Synthesize builds the terminal run report from the phase results. Every
// terminal phase that finished contributes; skipped or failed phases are
// reported explicitly with their reasons, never silently absent. The report
// status is completed only when no phase was skipped or failed.
func Synthesize(run *models.Run, graph *models.PhaseGraph, results map[string]*models.PhaseResult) *models.RunReport {
	report := &models.RunReport{
		RunID:       run.ID,
		DocumentID:  run.DocumentID,
		Phases:      results,
		CompletedAt: time.Now(),
	}

	degraded := false
	skipped := make(map[string]string)
	for _, name := range graph.SortedNames() {
		result, ok := results[name]
		if !ok {
			continue
		}
		switch result.State {
		case models.PhaseSkipped:
			skipped[name] = result.Reason
			degraded = true
		case models.PhaseFailed:
			skipped[name] = result.Reason
			degraded = true
		}
	}
	if len(skipped) > 0 {
		report.SkippedPhases = skipped
	}

	// Cross validation publishes the contradictions it found as part of
	// its reconciliation payload.
	if cv, ok := results[PhaseCrossValidation]; ok && cv.State == models.PhaseDone {
		if unit, ok := cv.Units[UnitFigureReconciliation]; ok && unit.Payload != nil {
			if raw, ok := unit.Payload["contradictions"]; ok {
				if items, ok := raw.([]interface{}); ok {
					for _, item := range items {
						if s, ok := item.(string); ok {
							report.Contradictions = append(report.Contradictions, s)
						}
					}
				} else if items, ok := raw.([]string); ok {
					report.Contradictions = append(report.Contradictions, items...)
				}
			}
		}
	}

	if degraded {
		report.Status = models.RunPartial
	} else {
		report.Status = models.RunCompleted
	}
	return report
}
