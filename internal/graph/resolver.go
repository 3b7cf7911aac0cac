// Package graph builds and analyses the step dependency graph of a flow.
package graph

import (
	"errors"
	"fmt"

	"github.com/regression-io/stratum/contracts"
)

// dependencyResolver implements contracts.DependencyResolver.
// It builds a DAG from the steps of a flow and validates the graph for
// cycles and missing dependencies.
//
// The implementation uses depth-first search (DFS) with color marking
// to detect cycles.
//
// Thread-safety: The resolver is stateless and thread-safe.
type dependencyResolver struct{}

// NewDependencyResolver creates a new DependencyResolver.
func NewDependencyResolver() contracts.DependencyResolver {
	return &dependencyResolver{}
}

// BuildDAG constructs a DAG from the steps of a flow.
// Creates DAGNodes with Deps, Next, and Pending counts.
// Returns a valid empty DAG for an empty step list.
// Every depends_on entry naming a missing step is reported, joined, as a
// *contracts.UnknownDependencyError.
func (dr *dependencyResolver) BuildDAG(steps []contracts.Step) (*contracts.DAG, error) {
	// Edge case: nil input
	if steps == nil {
		return nil, contracts.ErrInvalidInput
	}

	dag := &contracts.DAG{
		Nodes: make(map[contracts.StepID]*contracts.DAGNode, len(steps)),
		Order: make([]contracts.StepID, 0, len(steps)),
	}

	// First pass: create DAGNodes and initialize Deps
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, fmt.Errorf("step %d has no id: %w", i, contracts.ErrInvalidInput)
		}
		if _, dup := dag.Nodes[step.ID]; dup {
			return nil, fmt.Errorf("step %s declared twice: %w", step.ID, contracts.ErrInvalidInput)
		}
		deps := dedupe(step.DependsOn)
		dag.Nodes[step.ID] = &contracts.DAGNode{
			ID:      step.ID,
			Deps:    deps,
			Next:    []contracts.StepID{},
			Pending: len(deps),
		}
		dag.Order = append(dag.Order, step.ID)
	}

	// Second pass: build forward edges (Next), collecting every missing
	// dependency rather than stopping at the first
	var errs []error
	for _, id := range dag.Order {
		node := dag.Nodes[id]
		for _, depID := range node.Deps {
			depNode, ok := dag.Nodes[depID]
			if !ok {
				errs = append(errs, &contracts.UnknownDependencyError{Step: id, Dependency: depID})
				continue
			}
			depNode.Next = append(depNode.Next, id)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return dag, nil
}

// Validate checks the DAG for cycles.
// Returns the first cycle found, walking steps in declaration order, as a
// *contracts.CycleError.
func (dr *dependencyResolver) Validate(dag *contracts.DAG) error {
	// Invariant: dag must not be nil
	if dag == nil || dag.Nodes == nil {
		return contracts.ErrInvalidInput
	}

	cycles := Cycles(dag)
	if len(cycles) == 0 {
		return nil
	}
	return &contracts.CycleError{Steps: cycles[0]}
}

// Color constants for DFS marking.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // finished
)

// Cycles returns one cycle per back edge found by a DFS that starts from each
// unvisited step in declaration order. Each cycle lists its steps in
// dependency order (a step is followed by a step that depends on it),
// starting from the earliest declared member.
func Cycles(dag *contracts.DAG) [][]contracts.StepID {
	if dag == nil || len(dag.Nodes) == 0 {
		return nil
	}

	position := make(map[contracts.StepID]int, len(dag.Order))
	for i, id := range dag.Order {
		position[id] = i
	}

	colors := make(map[contracts.StepID]int, len(dag.Nodes))
	var stack []contracts.StepID
	var cycles [][]contracts.StepID

	var visit func(id contracts.StepID)
	visit = func(id contracts.StepID) {
		colors[id] = gray
		stack = append(stack, id)

		for _, nextID := range dag.Nodes[id].Next {
			switch colors[nextID] {
			case gray:
				// Back edge: the cycle is the stack suffix starting at nextID
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == nextID {
						cycles = append(cycles, rotate(stack[i:], position))
						break
					}
				}
			case white:
				visit(nextID)
			}
			// Black node - already processed
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range dag.Order {
		if colors[id] == white {
			visit(id)
		}
	}
	return cycles
}

// rotate copies a cycle so that its earliest declared step comes first.
func rotate(cycle []contracts.StepID, position map[contracts.StepID]int) []contracts.StepID {
	start := 0
	for i, id := range cycle {
		if position[id] < position[cycle[start]] {
			start = i
		}
	}
	out := make([]contracts.StepID, 0, len(cycle))
	out = append(out, cycle[start:]...)
	out = append(out, cycle[:start]...)
	return out
}

func dedupe(ids []contracts.StepID) []contracts.StepID {
	out := make([]contracts.StepID, 0, len(ids))
	seen := make(map[contracts.StepID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
