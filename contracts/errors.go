package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine.
var (
	// Spec errors
	ErrSpecInvalid  = errors.New("spec validation failed")
	ErrDAGCycle     = errors.New("cycle detected in step dependencies")
	ErrDepNotFound  = errors.New("dependency step not found")
	ErrFlowNotFound = errors.New("flow not found")

	// Run errors
	ErrRunNotFound = errors.New("run not found")
	ErrRunTerminal = errors.New("run is in a terminal state")

	// Step errors
	ErrStepNotFound      = errors.New("step not found")
	ErrStepNotRunning    = errors.New("step is not running")
	ErrStepNotAwaiting   = errors.New("step is not awaiting a human")
	ErrSuspensionExpired = errors.New("human approval timed out")

	// Execution errors
	ErrContractViolation     = errors.New("contract violation")
	ErrRetriesExhausted      = errors.New("retries exhausted")
	ErrProvider              = errors.New("provider failed")
	ErrFunctionNotRegistered = errors.New("compute function not registered")

	// Budget errors
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrNegativeUsage  = errors.New("usage must not be negative")

	// Audit errors
	ErrAuditOrder = errors.New("audit attempts must be appended in sequence order")

	// Input validation errors
	ErrInvalidInput = errors.New("invalid input: nil or malformed")
)

// Issue is a single spec validation failure.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Issue codes.
const (
	CodeUnknownType     = "unknown_type"
	CodeBadRange        = "bad_range"
	CodeBadEnum         = "bad_enum"
	CodeUnknownContract = "unknown_contract"
	CodeUnknownFunction = "unknown_function"
	CodeBadMode         = "bad_mode"
	CodeBadRetries      = "bad_retries"
	CodeBadExpression   = "bad_expression"
	CodeBadComposite    = "bad_composite"
	CodeUnboundInput    = "unbound_input"
	CodeBadSource       = "bad_source"
	CodeTypeMismatch    = "type_mismatch"
	CodeDuplicateStep   = "duplicate_step"
	CodeUnknownDep      = "unknown_dependency"
	CodeCycle           = "cycle"
	CodeMissing         = "missing"
	CodeBadInput        = "bad_input"
)

// SpecValidationError enumerates every problem found in a spec. Validation
// is exhaustive, so one error carries all issues.
type SpecValidationError struct {
	Issues []Issue
	// Causes holds typed graph errors (cycles, unknown dependencies) so
	// callers can use errors.As on the aggregate.
	Causes []error
}

// Add records an issue.
func (e *SpecValidationError) Add(path, code, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

// AddCause records a typed cause along with its issue.
func (e *SpecValidationError) AddCause(path, code string, err error) {
	e.Issues = append(e.Issues, Issue{Path: path, Code: code, Message: err.Error()})
	e.Causes = append(e.Causes, err)
}

// OrNil returns nil when no issue was recorded.
func (e *SpecValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

func (e *SpecValidationError) Error() string {
	switch len(e.Issues) {
	case 0:
		return ErrSpecInvalid.Error()
	case 1:
		return ErrSpecInvalid.Error() + ": " + e.Issues[0].String()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d issues:", ErrSpecInvalid, len(e.Issues))
	for i, issue := range e.Issues {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, issue)
	}
	return sb.String()
}

func (e *SpecValidationError) Unwrap() []error {
	return append([]error{ErrSpecInvalid}, e.Causes...)
}

// CycleError names the steps of a dependency cycle, in cycle order.
type CycleError struct {
	Steps []StepID
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Steps)+1)
	for _, s := range e.Steps {
		parts = append(parts, string(s))
	}
	if len(e.Steps) > 0 {
		parts = append(parts, string(e.Steps[0]))
	}
	return fmt.Sprintf("%s: %s", ErrDAGCycle, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrDAGCycle }

// UnknownDependencyError is a depends_on entry naming a step that does not exist.
type UnknownDependencyError struct {
	Step       StepID
	Dependency StepID
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %s depends on %s: %v", e.Step, e.Dependency, ErrDepNotFound)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrDepNotFound }

// TypeError is a field whose value does not have the declared type.
type TypeError struct {
	Field string
	Want  FieldType
	Got   any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("field %s: want %s, got %T", e.Field, e.Want, e.Got)
}

// RangeError is a numeric field outside its declared bounds. It is distinct
// from TypeError: the value has the right type but the wrong magnitude.
type RangeError struct {
	Field string
	Value float64
	Min   *float64
	Max   *float64
}

func (e *RangeError) Error() string {
	lo, hi := "-inf", "+inf"
	if e.Min != nil {
		lo = fmt.Sprintf("%g", *e.Min)
	}
	if e.Max != nil {
		hi = fmt.Sprintf("%g", *e.Max)
	}
	return fmt.Sprintf("field %s: %g outside [%s, %s]", e.Field, e.Value, lo, hi)
}

// ContractViolation is a per-attempt failure, recoverable through retry.
type ContractViolation struct {
	StepID     StepID
	Attempt    int
	Violations []Violation
}

func (e *ContractViolation) Error() string {
	texts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		texts = append(texts, v.Text())
	}
	return fmt.Sprintf("step %s attempt %d: %v: %s", e.StepID, e.Attempt, ErrContractViolation, strings.Join(texts, "; "))
}

func (e *ContractViolation) Unwrap() error { return ErrContractViolation }

// RetriesExhaustedError is the terminal failure of a step that used up its
// attempt budget.
type RetriesExhaustedError struct {
	StepID   StepID
	Attempts int
	Last     []Violation
}

func (e *RetriesExhaustedError) Error() string {
	texts := make([]string, 0, len(e.Last))
	for _, v := range e.Last {
		texts = append(texts, v.Text())
	}
	return fmt.Sprintf("step %s: %v after %d attempts: %s", e.StepID, ErrRetriesExhausted, e.Attempts, strings.Join(texts, "; "))
}

func (e *RetriesExhaustedError) Unwrap() error { return ErrRetriesExhausted }

// ProviderError is a failure of the compute or inference collaborator
// itself, as opposed to a bad output.
type ProviderError struct {
	StepID   StepID
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("step %s: %v after %d calls: %v", e.StepID, ErrProvider, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }
