package contracts

import "time"

// DAG represents the directed acyclic graph of step dependencies.
type DAG struct {
	Nodes map[StepID]*DAGNode
	// Order is the declaration order of the steps.
	Order []StepID
}

// DAGNode represents a node in the dependency graph.
type DAGNode struct {
	ID      StepID
	Deps    []StepID
	Next    []StepID
	Pending int
}

// Usage is consumption in cost units and wall time.
type Usage struct {
	Cost     float64       `json:"cost"`
	Duration time.Duration `json:"duration"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{Cost: u.Cost + o.Cost, Duration: u.Duration + o.Duration}
}

// Budget is the hard cap of a run. A zero dimension is uncapped.
type Budget struct {
	MaxCost float64       `json:"max_cost"`
	MaxTime time.Duration `json:"max_time"`
	// Checkpoint is the fraction of the cap at which a one-time checkpoint
	// event fires. Zero selects the default.
	Checkpoint float64 `json:"checkpoint"`
}

// Violation is one failed check of a produced output.
type Violation struct {
	Kind       ViolationKind `json:"kind"`
	Field      string        `json:"field,omitempty"`
	Expression string        `json:"expression,omitempty"`
	Message    string        `json:"message"`
}

// Text is the violated expression, or the message for field-level checks.
func (v Violation) Text() string {
	if v.Expression != "" {
		return v.Expression
	}
	return v.Message
}

// ViolationKind classifies a Violation.
type ViolationKind string

const (
	ViolationMissing ViolationKind = "missing"
	ViolationType    ViolationKind = "type"
	ViolationRange   ViolationKind = "range"
	ViolationEnum    ViolationKind = "enum"
	ViolationEnsure  ViolationKind = "ensure"
	ViolationEval    ViolationKind = "eval"
)

// Feedback is what a re-attempt of a step is told about the previous one:
// only the failed checks and the rejected output.
type Feedback struct {
	StepID   StepID   `json:"step_id"`
	Attempt  int      `json:"attempt"`
	Failed   []string `json:"failed"`
	Rejected Record   `json:"rejected"`
	// Refine is set when the feedback comes from an unmet until condition
	// rather than a contract violation.
	Refine bool `json:"refine,omitempty"`
}

// Attempt is one audit trace entry.
type Attempt struct {
	ID         string        `json:"id"`
	Seq        int64         `json:"seq"`
	RunID      RunID         `json:"run_id"`
	Flow       string        `json:"flow"`
	StepID     StepID        `json:"step_id"`
	Function   string        `json:"function"`
	Index      int           `json:"index"`
	Iteration  int           `json:"iteration,omitempty"`
	Status     AttemptStatus `json:"status"`
	Inputs     Record        `json:"inputs,omitempty"`
	Output     Record        `json:"output,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
	Feedback   string        `json:"feedback,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Cost       float64       `json:"cost"`
}

// Retry reports whether the attempt is a retry of an earlier one.
func (a Attempt) Retry() bool {
	return a.Index > 1
}

// StepTask is a unit of work handed to the caller (or the runner): one
// attempt of one step.
type StepTask struct {
	RunID     RunID     `json:"run_id"`
	StepID    StepID    `json:"step_id"`
	Function  string    `json:"function"`
	Mode      Mode      `json:"mode"`
	Intent    string    `json:"intent"`
	Inputs    Record    `json:"inputs"`
	Attempt   int       `json:"attempt"`
	Iteration int       `json:"iteration,omitempty"`
	Branches  int       `json:"branches,omitempty"`
	Feedback  *Feedback `json:"feedback,omitempty"`
	Memory    []string  `json:"memory,omitempty"`
	Estimate  Usage     `json:"estimate"`
}

// Report is what the executor of a step hands back for one attempt.
type Report struct {
	Output Record `json:"output,omitempty"`
	// Branches carries the per-branch outputs of a debate step.
	Branches []Record  `json:"branches,omitempty"`
	Failed   int       `json:"failed_branches,omitempty"`
	Usage    Usage     `json:"usage"`
	Started  time.Time `json:"started_at,omitempty"`
}

// DebateResult is the aggregation of debate branches. Disagreement is a
// normal outcome.
type DebateResult struct {
	Converged bool     `json:"converged"`
	Value     Record   `json:"value,omitempty"`
	Distinct  []Record `json:"distinct"`
	Failed    int      `json:"failed_branches,omitempty"`
}

// HumanRequest is the typed request handed out when a step awaits a human.
type HumanRequest struct {
	RunID    RunID     `json:"run_id"`
	StepID   StepID    `json:"step_id"`
	Prompt   string    `json:"prompt"`
	Inputs   Record    `json:"inputs"`
	Schema   Contract  `json:"schema"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// Event is a one-off notification attached to an outcome.
type Event struct {
	Kind    EventKind `json:"kind"`
	RunID   RunID     `json:"run_id"`
	StepID  StepID    `json:"step_id,omitempty"`
	Message string    `json:"message"`
	Usage   Usage     `json:"usage"`
}

// Outcome is the result of plan, step_done or resume.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	RunID  RunID       `json:"run_id"`
	Status RunStatus   `json:"status"`
	// Ready holds attempts whose budget is already reserved. They must be
	// executed and reported even when Kind is budget_exceeded: the run is
	// finalized only once no step is in flight.
	Ready    []StepTask        `json:"ready,omitempty"`
	Retry    *StepTask         `json:"retry,omitempty"`
	Feedback *Feedback         `json:"feedback,omitempty"`
	Debate   *DebateResult     `json:"debate,omitempty"`
	Output   Record            `json:"output,omitempty"`
	Partial  map[StepID]Record `json:"partial,omitempty"`
	Pending  []HumanRequest    `json:"pending,omitempty"`
	Events   []Event           `json:"events,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// StepSnapshot is a copy of the state of one step.
type StepSnapshot struct {
	Status         StepStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	Iterations     int        `json:"iterations,omitempty"`
	Output         Record     `json:"output,omitempty"`
	DidNotConverge bool       `json:"did_not_converge,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// RunSnapshot is a copy of the state of a run, safe to read concurrently
// with the coordinator.
type RunSnapshot struct {
	ID        RunID                   `json:"id"`
	Flow      string                  `json:"flow"`
	Status    RunStatus               `json:"status"`
	Steps     map[StepID]StepSnapshot `json:"steps"`
	Budget    Budget                  `json:"budget"`
	Consumed  Usage                   `json:"consumed"`
	Degraded  bool                    `json:"degraded,omitempty"`
	Output    Record                  `json:"output,omitempty"`
	Error     string                  `json:"error,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}
