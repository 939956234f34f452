package models

import (
	"fmt"
	"sort"
)

// PhaseState is the orchestrator state of one phase within a run
type PhaseState string

const (
	PhasePending PhaseState = "pending"
	PhaseReady   PhaseState = "ready"
	PhaseRunning PhaseState = "running"
	PhaseDone    PhaseState = "done"
	PhaseFailed  PhaseState = "failed"
	PhaseSkipped PhaseState = "skipped"
)

// UnitSpec describes one analyzer unit inside a phase. Critical units fail
// the phase when they fail; non-critical failures degrade to a recorded
// warning plus a fallback value.
type UnitSpec struct {
	Name     string
	Critical bool
}

// PhaseNode is the compile-time description of one phase: a set of analyzer
// units dispatched concurrently, gated on predecessor phases being done.
type PhaseNode struct {
	Name      string
	Units     []UnitSpec
	DependsOn []string

	// Optional external inputs (e.g. uploaded diagrams). Absence lowers
	// confidence for the phase but never blocks dispatch.
	OptionalInputs []string

	// Terminal phases contribute to final synthesis
	Terminal bool

	ProgressPercent float64
}

// PhaseGraph is the fixed, code-defined analysis DAG expressed as data, so
// cycle and reachability checks run independently of execution.
type PhaseGraph struct {
	Nodes map[string]*PhaseNode
}

// NewPhaseGraph builds a graph from nodes, keyed by name
func NewPhaseGraph(nodes ...*PhaseNode) *PhaseGraph {
	g := &PhaseGraph{Nodes: make(map[string]*PhaseNode, len(nodes))}
	for _, n := range nodes {
		g.Nodes[n.Name] = n
	}
	return g
}

// Validate rejects graphs with unknown predecessors, cycles, or nodes not
// reachable from any foundation phase (a phase with no predecessors).
func (g *PhaseGraph) Validate() error {
	for name, node := range g.Nodes {
		if len(node.Units) == 0 {
			return fmt.Errorf("phase %s declares no analyzer units", name)
		}
		for _, dep := range node.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("phase %s depends on unknown phase %s", name, dep)
			}
			if dep == name {
				return fmt.Errorf("phase %s depends on itself", name)
			}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return err
	}

	// Every node must be reachable from a foundation phase, which for a
	// DAG means every node either is a foundation phase or has a
	// predecessor chain that terminates in one. Acyclicity guarantees the
	// chain terminates, so reachability only fails when no foundation
	// phase exists at all.
	hasFoundation := false
	for _, node := range g.Nodes {
		if len(node.DependsOn) == 0 {
			hasFoundation = true
			break
		}
	}
	if !hasFoundation && len(g.Nodes) > 0 {
		return fmt.Errorf("graph has no foundation phase")
	}

	return nil
}

func (g *PhaseGraph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("phase graph contains a cycle through %s", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range g.Nodes[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	// Deterministic traversal order keeps error messages stable
	names := g.SortedNames()
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// SortedNames returns node names in lexical order
func (g *PhaseGraph) SortedNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependents returns the phases that declare name as a predecessor
func (g *PhaseGraph) Dependents(name string) []string {
	var out []string
	for _, other := range g.SortedNames() {
		for _, dep := range g.Nodes[other].DependsOn {
			if dep == name {
				out = append(out, other)
			}
		}
	}
	return out
}

// TransitiveDependents returns every phase downstream of name
func (g *PhaseGraph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, d := range g.Dependents(n) {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
