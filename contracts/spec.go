package contracts

import (
	"fmt"
	"time"
)

// Spec is a versioned flow specification document. A Spec is immutable once
// validated and is shared read-only by every run planned from it.
type Spec struct {
	Version   string              `yaml:"version" json:"version"`
	Contracts map[string]Contract `yaml:"contracts" json:"contracts"`
	Functions map[string]Function `yaml:"functions" json:"functions"`
	Flows     map[string]Flow     `yaml:"flows" json:"flows"`
}

// Contract is a named field schema.
type Contract map[string]FieldSpec

// Schema is an inline field schema (function or flow input).
type Schema map[string]FieldSpec

// FieldSpec declares the type of one field.
type FieldSpec struct {
	Type     FieldType `yaml:"type" json:"type"`
	Min      *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Values   []string  `yaml:"values,omitempty" json:"values,omitempty"`
	Optional bool      `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Bounds returns the effective numeric range of the field. Probability
// fields are always bounded to [0, 1].
func (f FieldSpec) Bounds() (min, max *float64) {
	min, max = f.Min, f.Max
	if f.Type == TypeProbability {
		lo, hi := 0.0, 1.0
		if min == nil || *min < lo {
			min = &lo
		}
		if max == nil || *max > hi {
			max = &hi
		}
	}
	return min, max
}

// Function is a named unit of work: a deterministic computation or an
// inference call, with its input schema, output contract and postconditions.
type Function struct {
	Name    string      `yaml:"-" json:"-"`
	Mode    Mode        `yaml:"mode" json:"mode"`
	Intent  string      `yaml:"intent" json:"intent"`
	Input   Schema      `yaml:"input" json:"input"`
	Output  string      `yaml:"output" json:"output"`
	Ensure  []string    `yaml:"ensure" json:"ensure"`
	Retries int         `yaml:"retries" json:"retries"`
	Budget  *BudgetHint `yaml:"budget,omitempty" json:"budget,omitempty"`
	Refine  *Refine     `yaml:"refine,omitempty" json:"refine,omitempty"`
	Debate  *Debate     `yaml:"debate,omitempty" json:"debate,omitempty"`
}

// MaxAttempts is the total number of attempts the function may take:
// the first attempt plus Retries.
func (f Function) MaxAttempts() int {
	if f.Retries < 0 {
		return 1
	}
	return f.Retries + 1
}

// BudgetHint is the estimated consumption of one attempt.
type BudgetHint struct {
	Cost float64 `yaml:"cost" json:"cost"`
	Ms   int64   `yaml:"ms" json:"ms"`
}

// Refine repeats an infer call until a condition holds.
type Refine struct {
	Until         string `yaml:"until" json:"until"`
	MaxIterations int    `yaml:"max_iterations" json:"max_iterations"`
}

// Debate runs independent inference branches joined by a require policy.
type Debate struct {
	Branches int    `yaml:"branches" json:"branches"`
	Require  string `yaml:"require" json:"require"`
}

// Flow is a named, ordered list of steps with input and output contracts.
type Flow struct {
	Name      string            `yaml:"-" json:"-"`
	Input     Schema            `yaml:"input" json:"input"`
	Output    string            `yaml:"output" json:"output"`
	Budget    *FlowBudget       `yaml:"budget,omitempty" json:"budget,omitempty"`
	Steps     []Step            `yaml:"steps" json:"steps"`
	OutputMap map[string]string `yaml:"output_map,omitempty" json:"output_map,omitempty"`
}

// Step returns the step with the given id.
func (f Flow) Step(id StepID) (Step, bool) {
	for _, s := range f.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// FlowBudget is the default budget of runs of a flow.
type FlowBudget struct {
	MaxCost    float64 `yaml:"max_cost" json:"max_cost"`
	MaxMs      int64   `yaml:"max_ms" json:"max_ms"`
	Checkpoint float64 `yaml:"checkpoint" json:"checkpoint"`
}

// Step binds a function into a flow.
type Step struct {
	ID         StepID            `yaml:"id" json:"id"`
	Function   string            `yaml:"function" json:"function"`
	Inputs     map[string]string `yaml:"inputs" json:"inputs"`
	DependsOn  []StepID          `yaml:"depends_on" json:"depends_on"`
	Optional   bool              `yaml:"optional,omitempty" json:"optional,omitempty"`
	AwaitHuman *HumanGate        `yaml:"await_human,omitempty" json:"await_human,omitempty"`
}

// HumanGate marks a step whose output is supplied by a human.
type HumanGate struct {
	Prompt  string `yaml:"prompt" json:"prompt"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// TimeoutDuration parses Timeout. Zero means no timeout.
func (h HumanGate) TimeoutDuration() (time.Duration, error) {
	if h.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(h.Timeout)
	if err != nil {
		return 0, fmt.Errorf("await_human.timeout %q: %w", h.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("await_human.timeout %q must not be negative", h.Timeout)
	}
	return d, nil
}
