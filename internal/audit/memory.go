package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/regression-io/stratum/contracts"
)

// MemoryRecorder keeps traces in process memory.
// Thread-safety: all methods are safe for concurrent use.
//
// Invariant: within a run, attempts are stored in strictly increasing Seq
// order and never modified after Append.
type MemoryRecorder struct {
	mu     sync.RWMutex
	traces map[contracts.RunID][]contracts.Attempt
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{traces: make(map[contracts.RunID][]contracts.Attempt)}
}

// Append adds a at the end of its run's trace.
// Returns error if:
//   - a has no run id (ErrInvalidInput)
//   - a.Seq does not follow the last recorded attempt of the run (ErrAuditOrder)
func (m *MemoryRecorder) Append(_ context.Context, a contracts.Attempt) error {
	if a.RunID == "" {
		return contracts.ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	trace := m.traces[a.RunID]
	if n := len(trace); n > 0 && a.Seq <= trace[n-1].Seq {
		return fmt.Errorf("run %s seq %d after %d: %w", a.RunID, a.Seq, trace[n-1].Seq, contracts.ErrAuditOrder)
	}
	m.traces[a.RunID] = append(trace, clone(a))
	return nil
}

// Query returns copies of the matching attempts in append order. An empty
// RunID matches every run, ordered by run id.
func (m *MemoryRecorder) Query(_ context.Context, q contracts.AuditQuery) ([]contracts.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []contracts.RunID
	if q.RunID != "" {
		runs = []contracts.RunID{q.RunID}
	} else {
		runs = m.runIDs()
	}

	out := []contracts.Attempt{}
	for _, id := range runs {
		for _, a := range m.traces[id] {
			if q.Matches(a) {
				out = append(out, clone(a))
			}
		}
	}
	return out, nil
}

// Runs returns the recorded run ids, sorted.
func (m *MemoryRecorder) Runs(_ context.Context) ([]contracts.RunID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runIDs(), nil
}

func (m *MemoryRecorder) runIDs() []contracts.RunID {
	ids := make([]contracts.RunID, 0, len(m.traces))
	for id := range m.traces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func clone(a contracts.Attempt) contracts.Attempt {
	a.Inputs = a.Inputs.Clone()
	a.Output = a.Output.Clone()
	if a.Violations != nil {
		a.Violations = append([]contracts.Violation(nil), a.Violations...)
	}
	return a
}
