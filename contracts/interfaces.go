package contracts

import (
	"context"
	"time"
)

// =============================================================================
// Graph Interfaces
// =============================================================================

// DependencyResolver builds and validates the step dependency graph.
type DependencyResolver interface {
	// BuildDAG constructs a DAG from the steps of a flow.
	BuildDAG(steps []Step) (*DAG, error)

	// Validate checks the DAG for cycles.
	Validate(dag *DAG) error
}

// =============================================================================
// Execution Collaborators
// =============================================================================

// Invocation is what a compute function or inference provider receives for
// one attempt (or one debate branch) of a step.
type Invocation struct {
	RunID     RunID
	StepID    StepID
	Function  string
	Intent    string
	Inputs    Record
	Attempt   int
	Iteration int
	// Branch is the 1-based debate branch, zero outside debates.
	Branch   int
	Feedback *Feedback
	Memory   []string
}

// InferResult is the answer of an inference provider.
type InferResult struct {
	Output Record
	Cost   float64
}

// InferenceProvider is the opaque, non-deterministic inference collaborator.
type InferenceProvider interface {
	Infer(ctx context.Context, inv Invocation) (InferResult, error)
}

// ComputeFunc is a deterministic function implementation.
type ComputeFunc func(ctx context.Context, inv Invocation) (Record, error)

// Comparator decides whether two debate branch outputs agree.
type Comparator func(a, b Record) bool

// EventSink receives run events as they are raised.
type EventSink func(Event)

// =============================================================================
// Audit Interfaces
// =============================================================================

// AuditQuery filters attempts of a run.
type AuditQuery struct {
	RunID       RunID
	StepID      StepID
	RetriesOnly bool
}

// Matches reports whether a satisfies the query.
func (q AuditQuery) Matches(a Attempt) bool {
	if q.RunID != "" && a.RunID != q.RunID {
		return false
	}
	if q.StepID != "" && a.StepID != q.StepID {
		return false
	}
	if q.RetriesOnly && !a.Retry() {
		return false
	}
	return true
}

// AuditRecorder is the append-only per-run trace of attempts.
type AuditRecorder interface {
	// Append adds an attempt at the end of its run's trace.
	Append(ctx context.Context, attempt Attempt) error

	// Query returns matching attempts in append order.
	Query(ctx context.Context, q AuditQuery) ([]Attempt, error)

	// Runs returns the ids of every run with at least one attempt.
	Runs(ctx context.Context) ([]RunID, error)
}

// =============================================================================
// Memory Interfaces
// =============================================================================

// MemoryEntry is one cross-run note.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Tags      []string  `json:"tags"`
	Value     string    `json:"value"`
	RunID     RunID     `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryStore holds key-tagged notes accumulated across runs. It is read when
// a run is planned and appended to when the run ends.
type MemoryStore interface {
	// Read returns entries carrying any of the tags, oldest first.
	Read(ctx context.Context, tags ...string) ([]MemoryEntry, error)

	// Append stores entries.
	Append(ctx context.Context, entries ...MemoryEntry) error
}
