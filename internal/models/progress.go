package models

import "time"

// ProgressEvent is one accepted progress emission for a run. Exactly one
// logical channel per run is authoritative for UI; low-level per-page ticks
// go to the audit stream only.
type ProgressEvent struct {
	RunID       string    `json:"run_id"`
	DocumentID  string    `json:"document_id"`
	StepKey     string    `json:"step_key"`
	Percent     float64   `json:"percent"`
	Description string    `json:"description,omitempty"`
	Manual      bool      `json:"manual,omitempty"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// UnitResult is the typed outcome of one analyzer unit invocation. The
// orchestrator interprets only success/failure and confidence; Payload is
// opaque business content flowing through the pipeline.
type UnitResult struct {
	Unit       string                 `json:"unit"`
	Confidence float64                `json:"confidence"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Warnings   []string               `json:"warnings,omitempty"`
	Fallback   bool                   `json:"fallback,omitempty"`
}

// PhaseResult aggregates the unit results of one completed phase
type PhaseResult struct {
	Phase    string                 `json:"phase"`
	State    PhaseState             `json:"state"`
	Units    map[string]*UnitResult `json:"units,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Duration time.Duration          `json:"duration_ms"`
}

// RunReport is the synthesized terminal output of a run
type RunReport struct {
	RunID          string                  `json:"run_id"`
	DocumentID     string                  `json:"document_id"`
	Status         RunStatus               `json:"status"`
	Phases         map[string]*PhaseResult `json:"phases"`
	SkippedPhases  map[string]string       `json:"skipped_phases,omitempty"`
	Contradictions []string                `json:"contradictions,omitempty"`
	CompletedAt    time.Time               `json:"completed_at"`
}
