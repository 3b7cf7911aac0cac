package graph

import (
	"fmt"
	"sort"

	"github.com/regression-io/stratum/contracts"
)

// ReadySets returns the sequence of maximal ready sets of an acyclic DAG:
// the first set holds every step without dependencies, and each following
// set holds every step whose dependencies all appear in earlier sets. Steps
// within a set have no dependency path between them and may run
// concurrently. Each set is sorted by step id.
func ReadySets(dag *contracts.DAG) ([][]contracts.StepID, error) {
	if dag == nil || dag.Nodes == nil {
		return nil, contracts.ErrInvalidInput
	}

	pending := make(map[contracts.StepID]int, len(dag.Nodes))
	var current []contracts.StepID
	for id, node := range dag.Nodes {
		pending[id] = len(node.Deps)
		if len(node.Deps) == 0 {
			current = append(current, id)
		}
	}

	var sets [][]contracts.StepID
	placed := 0
	for len(current) > 0 {
		sortIDs(current)
		sets = append(sets, current)
		placed += len(current)

		var next []contracts.StepID
		for _, id := range current {
			for _, n := range dag.Nodes[id].Next {
				pending[n]--
				if pending[n] == 0 {
					next = append(next, n)
				}
			}
		}
		current = next
	}

	if placed != len(dag.Nodes) {
		if cycles := Cycles(dag); len(cycles) > 0 {
			return nil, &contracts.CycleError{Steps: cycles[0]}
		}
		return nil, fmt.Errorf("%d steps unreachable: %w", len(dag.Nodes)-placed, contracts.ErrDAGCycle)
	}
	return sets, nil
}

// Ancestors returns every step that id transitively depends on.
func Ancestors(dag *contracts.DAG, id contracts.StepID) map[contracts.StepID]bool {
	return reach(dag, id, func(n *contracts.DAGNode) []contracts.StepID { return n.Deps })
}

func reach(dag *contracts.DAG, id contracts.StepID, edges func(*contracts.DAGNode) []contracts.StepID) map[contracts.StepID]bool {
	seen := map[contracts.StepID]bool{}
	if dag == nil {
		return seen
	}
	queue := []contracts.StepID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := dag.Nodes[cur]
		if !ok {
			continue
		}
		for _, e := range edges(node) {
			if !seen[e] {
				seen[e] = true
				queue = append(queue, e)
			}
		}
	}
	delete(seen, id)
	return seen
}

// Clone deep-copies a DAG so a run can consume its Pending counters without
// touching the shared compiled graph.
func Clone(dag *contracts.DAG) *contracts.DAG {
	if dag == nil {
		return nil
	}
	out := &contracts.DAG{
		Nodes: make(map[contracts.StepID]*contracts.DAGNode, len(dag.Nodes)),
		Order: append([]contracts.StepID(nil), dag.Order...),
	}
	for id, n := range dag.Nodes {
		out.Nodes[id] = &contracts.DAGNode{
			ID:      n.ID,
			Deps:    append([]contracts.StepID(nil), n.Deps...),
			Next:    append([]contracts.StepID(nil), n.Next...),
			Pending: n.Pending,
		}
	}
	return out
}

func sortIDs(ids []contracts.StepID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
