package orchestration

import (
	"fmt"
	"sort"

	"github.com/regression-io/stratum/contracts"
)

// scheduler determines which steps of a live run can start, based on
// dependency completion, with StepID as tie-breaker for determinism.
//
// Thread-safety: The scheduler assumes the caller holds the run lock.
type scheduler struct{}

func newScheduler() *scheduler {
	return &scheduler{}
}

// NextReady returns the pending steps whose dependencies are all settled,
// sorted by StepID. Returns an empty slice if no step is ready.
func (s *scheduler) NextReady(r *run) ([]contracts.StepID, error) {
	// Invariant: run must not be nil
	if r == nil {
		return nil, contracts.ErrInvalidInput
	}
	// Edge case: nil DAG
	if r.dag == nil || r.dag.Nodes == nil {
		return nil, fmt.Errorf("run %s has no step graph: %w", r.id, contracts.ErrInvalidInput)
	}

	ready := []contracts.StepID{}
	for id, node := range r.dag.Nodes {
		if node.Pending != 0 {
			continue
		}
		st, ok := r.steps[id]
		if !ok {
			// DAG node exists but step doesn't - inconsistent state, skip
			continue
		}
		if st.status == contracts.StepPending {
			ready = append(ready, id)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return string(ready[i]) < string(ready[j])
	})
	return ready, nil
}

// MarkSettled records that id reached a terminal status and updates the
// pending counts of the steps that depend on it. A skipped step settles its
// dependents too; they decide on their own whether they can do without its
// output.
// Returns error if the step is unknown or not terminal.
func (s *scheduler) MarkSettled(r *run, id contracts.StepID) error {
	if r == nil {
		return contracts.ErrInvalidInput
	}
	st, ok := r.steps[id]
	if !ok {
		return fmt.Errorf("step %s not found in run %s: %w", id, r.id, contracts.ErrStepNotFound)
	}
	if !st.status.Terminal() {
		return fmt.Errorf("step %s is %s, not terminal: %w", id, st.status, contracts.ErrInvalidInput)
	}

	node, ok := r.dag.Nodes[id]
	if !ok {
		return nil
	}
	for _, next := range node.Next {
		if n, ok := r.dag.Nodes[next]; ok && n.Pending > 0 {
			n.Pending--
		}
	}
	return nil
}
