package contracts

import "fmt"

// RunStatus represents the state of a run.
type RunStatus int

const (
	RunPending RunStatus = iota
	RunRunning
	RunCompleted
	RunFailed
	RunBudgetExceeded
	RunSuspended
)

func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunBudgetExceeded:
		return "budget_exceeded"
	case RunSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RunStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further step can start. Suspended is
// terminal-for-now: a resume moves the run back to running.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunBudgetExceeded
}

// StepStatus represents the state of a step within a run.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepReady
	StepRunning
	StepRetrying
	StepRefining
	StepAwaitingHuman
	StepAccepted
	StepRetriesExhausted
	StepSkipped
	StepBudgetExceeded
	StepFailed
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepReady:
		return "ready"
	case StepRunning:
		return "running"
	case StepRetrying:
		return "retrying"
	case StepRefining:
		return "refining"
	case StepAwaitingHuman:
		return "awaiting_human"
	case StepAccepted:
		return "accepted"
	case StepRetriesExhausted:
		return "retries_exhausted"
	case StepSkipped:
		return "skipped"
	case StepBudgetExceeded:
		return "budget_exceeded"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the step will not run again.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepAccepted, StepRetriesExhausted, StepSkipped, StepBudgetExceeded, StepFailed:
		return true
	default:
		return false
	}
}

// InFlight reports whether the step has been handed out and not yet reported.
func (s StepStatus) InFlight() bool {
	return s == StepRunning || s == StepRetrying || s == StepRefining
}

// AttemptStatus classifies one recorded attempt.
type AttemptStatus string

const (
	AttemptAccepted       AttemptStatus = "accepted"
	AttemptViolated       AttemptStatus = "violated"
	AttemptIterated       AttemptStatus = "iterated"
	AttemptDidNotConverge AttemptStatus = "did_not_converge"
	AttemptProviderError  AttemptStatus = "provider_error"
	AttemptHuman          AttemptStatus = "human"
)

// OutcomeKind tells the caller what a step report led to.
type OutcomeKind string

const (
	OutcomeNext           OutcomeKind = "next"
	OutcomeViolation      OutcomeKind = "violation"
	OutcomeIterate        OutcomeKind = "iterate"
	OutcomeCompleted      OutcomeKind = "completed"
	OutcomeSuspended      OutcomeKind = "suspended"
	OutcomeBudgetExceeded OutcomeKind = "budget_exceeded"
	OutcomeFailed         OutcomeKind = "failed"
)

// EventKind names an asynchronous notification raised during a run.
type EventKind string

const (
	EventCheckpoint     EventKind = "budget_checkpoint"
	EventBudgetExceeded EventKind = "budget_exceeded"
	EventSuspended      EventKind = "suspended"
	EventDegraded       EventKind = "degraded"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RunStatus) UnmarshalText(b []byte) error {
	for c := RunPending; c <= RunSuspended; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown run status %q", b)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StepStatus) UnmarshalText(b []byte) error {
	for c := StepPending; c <= StepFailed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown step status %q", b)
}
