// Package suspension implements the human-approval pause as an explicit
// state. Nothing here blocks: a suspended step is a pending request that the
// caller answers with a later Resume.
package suspension

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/regression-io/stratum/contracts"
)

// Manager tracks the steps of one run that await a human.
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	pending map[contracts.StepID]contracts.HumanRequest
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{pending: make(map[contracts.StepID]contracts.HumanRequest)}
}

// Suspend records req as awaiting an answer. A zero deadline never expires.
func (m *Manager) Suspend(req contracts.HumanRequest) error {
	if req.StepID == "" {
		return contracts.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[req.StepID]; ok {
		return fmt.Errorf("step %s is already awaiting a human: %w", req.StepID, contracts.ErrInvalidInput)
	}
	m.pending[req.StepID] = req
	return nil
}

// Resume removes the request of step and returns it so the caller can
// validate the supplied value against its schema.
// Returns error if:
//   - step is not awaiting (ErrStepNotAwaiting)
//   - its deadline passed before now (ErrSuspensionExpired); the request is
//     dropped
func (m *Manager) Resume(step contracts.StepID, now time.Time) (contracts.HumanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[step]
	if !ok {
		return contracts.HumanRequest{}, fmt.Errorf("step %s: %w", step, contracts.ErrStepNotAwaiting)
	}
	delete(m.pending, step)
	if expired(req, now) {
		return req, fmt.Errorf("step %s: %w", step, contracts.ErrSuspensionExpired)
	}
	return req, nil
}

// Restore puts back a request taken by Resume whose value was rejected, so
// the step keeps waiting.
func (m *Manager) Restore(req contracts.HumanRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[req.StepID] = req
}

// Pending returns the outstanding requests sorted by step id.
func (m *Manager) Pending() []contracts.HumanRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]contracts.HumanRequest, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

// Awaiting reports whether step has an outstanding request.
func (m *Manager) Awaiting(step contracts.StepID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[step]
	return ok
}

// Expired removes and returns, sorted, the steps whose deadline is before now.
func (m *Manager) Expired(now time.Time) []contracts.StepID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []contracts.StepID
	for id, r := range m.pending {
		if expired(r, now) {
			out = append(out, id)
			delete(m.pending, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of outstanding requests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func expired(r contracts.HumanRequest, now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}
