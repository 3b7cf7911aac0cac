package config

import (
	"fmt"
	"time"

	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/expr"
)

// Compiled is a validated spec with every expression compiled and every step
// graph built. It is immutable and shared read-only by all runs of the spec.
type Compiled struct {
	Spec      *contracts.Spec
	Functions map[string]*Function
	Flows     map[string]*Flow
}

// Function is a validated function definition.
type Function struct {
	contracts.Function
	Contract contracts.Contract
	Ensure   []*expr.Program
	// Until is set for refine functions.
	Until *expr.Program
}

// Estimate returns the budget hint of one attempt, or fallback when the
// function declares none.
func (f *Function) Estimate(fallback contracts.Usage) contracts.Usage {
	if f.Budget == nil {
		return fallback
	}
	return contracts.Usage{
		Cost:     f.Budget.Cost,
		Duration: time.Duration(f.Budget.Ms) * time.Millisecond,
	}
}

// Flow is a validated flow definition.
type Flow struct {
	contracts.Flow
	OutputContract contracts.Contract
	DAG            *contracts.DAG
	// Bindings holds the parsed input sources of every step.
	Bindings map[contracts.StepID]map[string]Source
	// OutputSources is the parsed output_map, nil when the flow output is
	// the output of its last step.
	OutputSources map[string]Source
	// Gates holds the parsed human-approval timeouts.
	Gates map[contracts.StepID]time.Duration
	// Stages is the sequence of maximal ready sets: the waves in which steps
	// become ready when every step succeeds.
	Stages [][]contracts.StepID
}

// Last returns the last step in declaration order.
func (f *Flow) Last() contracts.StepID {
	if len(f.Steps) == 0 {
		return ""
	}
	return f.Steps[len(f.Steps)-1].ID
}

// DefaultBudget returns the default budget of runs of the flow.
func (f *Flow) DefaultBudget() contracts.Budget {
	if f.Flow.Budget == nil {
		return contracts.Budget{}
	}
	return contracts.Budget{
		MaxCost:    f.Flow.Budget.MaxCost,
		MaxTime:    time.Duration(f.Flow.Budget.MaxMs) * time.Millisecond,
		Checkpoint: f.Flow.Budget.Checkpoint,
	}
}

// Flow returns the named flow.
func (c *Compiled) Flow(name string) (*Flow, error) {
	f, ok := c.Flows[name]
	if !ok {
		return nil, fmt.Errorf("flow %q: %w", name, contracts.ErrFlowNotFound)
	}
	return f, nil
}
